package cache

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	pperr "github.com/photopool/photopool/pkg/errors"
)

var (
	ErrNotCached = &pperr.Error{
		Type: pperr.Missing,
		Err:  errors.New("item not in cache"),
		Help: `Item not in cache

The partition you asked about has not been seen yet, or the cache
store has lost it (e.g., memcached evicted it under memory pressure).
It will be recreated on the next request that uses it.
`,
	}
)

type Reader interface {
	// GetKey gets the value at a key, or ErrNotCached if there is
	// nothing there
	GetKey(ctx context.Context, k Keyer) ([]byte, error)
}

type Writer interface {
	// SetKey sets the value at a key; values never expire
	SetKey(ctx context.Context, k Keyer, v []byte) error
}

type Lister interface {
	// ListKeys returns the keys beginning with prefix, in no
	// particular order
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

type Client interface {
	Reader
	Writer
	Lister
}

// An interface to provide the key under which to store the data
type Keyer interface {
	Key() string
}

// Tier names one of the two slot arrays kept for each partition.
type Tier string

const (
	Main   Tier = "main"
	Buffer Tier = "buffer"
)

const (
	metadataKeyVersion = "photopoolmetav1" // Bump the version number if the metadata format changes
	slotsKeyVersion    = "photopoolslotsv1"
	keySeparator       = "|"
)

// MetadataKeyPrefix is the prefix shared by the metadata keys of all
// partitions.
const MetadataKeyPrefix = metadataKeyVersion + keySeparator

type metadataKey struct {
	partition string
}

func NewMetadataKey(partition string) Keyer {
	return &metadataKey{partition}
}

func (k *metadataKey) Key() string {
	return MetadataKeyPrefix + k.partition
}

// PartitionFromKey recovers the partition from a metadata key as
// returned by ListKeys.
func PartitionFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, MetadataKeyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, MetadataKeyPrefix), true
}

type slotsKey struct {
	partition string
	tier      Tier
}

func NewSlotsKey(partition string, tier Tier) Keyer {
	return &slotsKey{partition, tier}
}

func (k *slotsKey) Key() string {
	return strings.Join([]string{
		slotsKeyVersion,
		string(k.tier),
		k.partition,
	}, keySeparator)
}
