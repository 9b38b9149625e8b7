/*
This package keeps the state of the photo pool in a backing k-v
store.

The interface `Client` stands in for the k-v store (redis in this
package, memcached in the subpackage). `Store` lays out each
partition on top of a `Client` as three independent entries: the
partition's metadata, and one slot array for each tier.

Nothing here is atomic across entries. Every mutation is a read,
followed by a full overwrite.
*/
package cache
