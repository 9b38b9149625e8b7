package rotation

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/photopool/photopool/pkg/cache"
	"github.com/photopool/photopool/pkg/cache/mock"
	"github.com/photopool/photopool/pkg/photo"
)

type fetchCall struct {
	filters photo.Filters
	count   int
}

// fakeFetcher hands out photos with fresh IDs, unless fetch is set.
type fakeFetcher struct {
	fetch func(ctx context.Context, filters photo.Filters, count int) ([]photo.Record, error)

	mu    sync.Mutex
	calls []fetchCall
	seq   int
}

func (f *fakeFetcher) FetchRandom(ctx context.Context, filters photo.Filters, count int) ([]photo.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{filters, count})
	fetch := f.fetch
	f.mu.Unlock()
	if fetch != nil {
		return fetch(ctx, filters, count)
	}
	return f.supply(count), nil
}

func (f *fakeFetcher) supply(count int) []photo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	records := make([]photo.Record, count)
	for i := range records {
		f.seq++
		records[i] = photo.Record{ID: fmt.Sprintf("photo-%d", f.seq)}
	}
	return records
}

func (f *fakeFetcher) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

func newTestStore(t *testing.T, capacity int) (*cache.Store, *mock.Client) {
	client := &mock.Client{}
	store, err := cache.NewStore(client, capacity)
	require.NoError(t, err)
	return store, client
}

// fillTier puts records with the given IDs into the named slots of a
// tier, and sets the tier's count to match.
func fillTier(t *testing.T, store *cache.Store, partition string, tier cache.Tier, pointer int, ids map[int]string) {
	ctx := context.Background()
	m, err := store.Load(ctx, partition)
	require.NoError(t, err)

	slots := store.EmptySlots()
	for i, id := range ids {
		slots[i] = &photo.Record{ID: id}
	}
	require.NoError(t, store.SaveSlots(ctx, partition, tier, slots))
	*m.Tier(tier) = cache.TierState{Count: len(ids), Pointer: pointer}
	require.NoError(t, store.Save(ctx, partition, m))
}

// fullTier fills every slot of a tier.
func fullTier(t *testing.T, store *cache.Store, partition string, tier cache.Tier) map[int]string {
	ids := map[int]string{}
	for i := 0; i < store.Capacity(); i++ {
		ids[i] = fmt.Sprintf("%s-%d", tier, i)
	}
	fillTier(t, store, partition, tier, 0, ids)
	return ids
}

func metadata(t *testing.T, store *cache.Store, partition string) cache.Metadata {
	m, err := store.Peek(context.Background(), partition)
	require.NoError(t, err)
	return m
}

func slotIDs(t *testing.T, store *cache.Store, partition string, tier cache.Tier) []string {
	slots, err := store.LoadSlots(context.Background(), partition, tier)
	require.NoError(t, err)
	ids := make([]string, len(slots))
	for i, r := range slots {
		if r != nil {
			ids[i] = r.ID
		}
	}
	return ids
}
