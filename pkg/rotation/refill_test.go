package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photopool/photopool/pkg/cache"
	"github.com/photopool/photopool/pkg/photo"
)

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestRefiller(t *testing.T, store *cache.Store, fetcher Fetcher) *Refiller {
	r, err := NewRefiller(store, fetcher, log.NewNopLogger())
	require.NoError(t, err)
	r.now = func() time.Time { return now }
	return r
}

type fakeLocker struct {
	ok       bool
	unlocked bool
}

func (l *fakeLocker) TryLock(context.Context, string) (func(), bool, error) {
	if !l.ok {
		return nil, false, nil
	}
	return func() { l.unlocked = true }, true, nil
}

func TestNewRefillerRejectsBadArguments(t *testing.T) {
	_, err := NewRefiller(nil, &fakeFetcher{}, nil)
	assert.Error(t, err)
}

func TestRefillFillsBuffer(t *testing.T) {
	store, _ := newTestStore(t, 5)
	fetcher := &fakeFetcher{}
	r := newTestRefiller(t, store, fetcher)
	filters := photo.Filters{Orientation: photo.Landscape}
	fillTier(t, store, testPartition, cache.Buffer, 3, map[int]string{3: "old"})

	m, err := r.Refill(context.Background(), testPartition, filters)
	require.NoError(t, err)
	assert.Equal(t, cache.TierState{Count: 5, Pointer: 0}, m.Buffer)
	assert.False(t, m.IsRefilling)
	assert.True(t, m.RefillStarted.IsZero())
	assert.Equal(t, now, m.LastRefill)
	assert.Equal(t, m, metadata(t, store, testPartition))

	assert.Equal(t, []fetchCall{{filters, 5}}, fetcher.Calls())
	assert.Equal(t, []string{"photo-1", "photo-2", "photo-3", "photo-4", "photo-5"}, slotIDs(t, store, testPartition, cache.Buffer))
}

func TestRefillSavesGuardBeforeFetching(t *testing.T) {
	store, _ := newTestStore(t, 5)
	fetcher := &fakeFetcher{}
	fetcher.fetch = func(ctx context.Context, _ photo.Filters, count int) ([]photo.Record, error) {
		m := metadata(t, store, testPartition)
		assert.True(t, m.IsRefilling)
		assert.Equal(t, now, m.RefillStarted)
		return nil, nil
	}
	r := newTestRefiller(t, store, fetcher)

	_, err := r.Refill(context.Background(), testPartition, photo.Filters{})
	require.NoError(t, err)
	assert.Len(t, fetcher.Calls(), 1)
}

func TestRefillDoesNothingWhileRefilling(t *testing.T) {
	store, _ := newTestStore(t, 5)
	fetcher := &fakeFetcher{}
	r := newTestRefiller(t, store, fetcher)
	m, err := store.Load(context.Background(), testPartition)
	require.NoError(t, err)
	m.IsRefilling = true
	m.RefillStarted = now.Add(-time.Minute)
	m.Buffer = cache.TierState{Count: 2, Pointer: 1}
	require.NoError(t, store.Save(context.Background(), testPartition, m))

	got, err := r.Refill(context.Background(), testPartition, photo.Filters{})
	require.NoError(t, err)
	assert.Equal(t, m.Buffer, got.Buffer)
	assert.True(t, got.IsRefilling)
	assert.Empty(t, fetcher.Calls())
	assert.Equal(t, got, metadata(t, store, testPartition))
}

func TestRefillIgnoresStaleGuard(t *testing.T) {
	store, _ := newTestStore(t, 5)
	fetcher := &fakeFetcher{}
	r := newTestRefiller(t, store, fetcher)
	m, err := store.Load(context.Background(), testPartition)
	require.NoError(t, err)
	m.IsRefilling = true
	m.RefillStarted = now.Add(-DefaultRefillStaleAfter)
	require.NoError(t, store.Save(context.Background(), testPartition, m))

	got, err := r.Refill(context.Background(), testPartition, photo.Filters{})
	require.NoError(t, err)
	assert.Len(t, fetcher.Calls(), 1)
	assert.False(t, got.IsRefilling)
	assert.Equal(t, 5, got.Buffer.Count)
}

func TestRefillUpstreamFailure(t *testing.T) {
	store, _ := newTestStore(t, 5)
	boom := errors.New("429 Too Many Requests")
	fetcher := &fakeFetcher{fetch: func(context.Context, photo.Filters, int) ([]photo.Record, error) {
		return nil, boom
	}}
	r := newTestRefiller(t, store, fetcher)
	fillTier(t, store, testPartition, cache.Buffer, 1, map[int]string{0: "a", 1: "b"})

	_, err := r.Refill(context.Background(), testPartition, photo.Filters{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	m := metadata(t, store, testPartition)
	assert.False(t, m.IsRefilling)
	assert.True(t, m.LastRefill.IsZero())
	assert.Equal(t, cache.TierState{Count: 2, Pointer: 1}, m.Buffer)
	assert.Equal(t, []string{"a", "b", "", "", ""}, slotIDs(t, store, testPartition, cache.Buffer))
}

func TestRefillStoreFailure(t *testing.T) {
	store, client := newTestStore(t, 5)
	r := newTestRefiller(t, store, &fakeFetcher{})
	mustLoad(t, store)

	bufferKey := cache.NewSlotsKey(testPartition, cache.Buffer).Key()
	client.SetErr = func(k string) error {
		if k == bufferKey {
			return errors.New("boom")
		}
		return nil
	}
	_, err := r.Refill(context.Background(), testPartition, photo.Filters{})
	require.Error(t, err)
	m := metadata(t, store, testPartition)
	assert.False(t, m.IsRefilling)
	assert.Equal(t, 0, m.Buffer.Count)
}

func TestRefillEmptyResult(t *testing.T) {
	store, _ := newTestStore(t, 5)
	fetcher := &fakeFetcher{fetch: func(context.Context, photo.Filters, int) ([]photo.Record, error) {
		return []photo.Record{}, nil
	}}
	r := newTestRefiller(t, store, fetcher)

	m, err := r.Refill(context.Background(), testPartition, photo.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Buffer.Count)
	assert.False(t, m.IsRefilling)
	assert.Equal(t, now, m.LastRefill)
}

func TestRefillCapsAtCapacity(t *testing.T) {
	store, _ := newTestStore(t, 5)
	fetcher := &fakeFetcher{}
	fetcher.fetch = func(_ context.Context, _ photo.Filters, count int) ([]photo.Record, error) {
		return fetcher.supply(count + 2), nil
	}
	r := newTestRefiller(t, store, fetcher)

	m, err := r.Refill(context.Background(), testPartition, photo.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 5, m.Buffer.Count)
	assert.Equal(t, []string{"photo-1", "photo-2", "photo-3", "photo-4", "photo-5"}, slotIDs(t, store, testPartition, cache.Buffer))
}

func TestRefillTakesLock(t *testing.T) {
	store, _ := newTestStore(t, 5)
	fetcher := &fakeFetcher{}
	r := newTestRefiller(t, store, fetcher)

	locker := &fakeLocker{}
	r.Locker = locker
	_, err := r.Refill(context.Background(), testPartition, photo.Filters{})
	require.NoError(t, err)
	assert.Empty(t, fetcher.Calls())
	assert.False(t, metadata(t, store, testPartition).IsRefilling)

	locker.ok = true
	m, err := r.Refill(context.Background(), testPartition, photo.Filters{})
	require.NoError(t, err)
	assert.Len(t, fetcher.Calls(), 1)
	assert.Equal(t, 5, m.Buffer.Count)
	assert.True(t, locker.unlocked)
}
