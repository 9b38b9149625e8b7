/*
Package rotation serves photos out of a partition's two tiers, and
keeps the tiers stocked.

Each partition has a main tier, which requests are served from, and
a buffer tier, which is filled from the photo provider in the
background. When main runs dry the buffer is promoted into its place
and refilled; when both are empty a request is served live, and the
partition is warmed up behind it.

None of this is transactional. Every change is a read of a whole
record followed by a write of the whole record, so requests racing on
the same partition can lose each other's updates; the counts in the
metadata are repaired when they are found to disagree with the slots.
*/
package rotation
