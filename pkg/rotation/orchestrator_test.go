package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photopool/photopool/pkg/cache"
	ppmetrics "github.com/photopool/photopool/pkg/metrics"
	"github.com/photopool/photopool/pkg/photo"
)

const capacity = 30

var landscape = photo.Filters{Orientation: photo.Landscape}

type fixture struct {
	store     *cache.Store
	fetcher   *fakeFetcher
	refiller  *Refiller
	scheduler *Scheduler
	cache     *Cache
}

func newFixture(t *testing.T) *fixture {
	store, _ := newTestStore(t, capacity)
	fetcher := &fakeFetcher{}
	refiller := newTestRefiller(t, store, fetcher)
	scheduler := NewScheduler(2, log.NewNopLogger())
	c, err := NewCache(store, fetcher, refiller, scheduler, log.NewNopLogger())
	require.NoError(t, err)
	c.Sources = ppmetrics.NewAccumulator(discard.NewCounter())
	return &fixture{store, fetcher, refiller, scheduler, c}
}

func TestNewCacheRejectsBadArguments(t *testing.T) {
	_, err := NewCache(nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestGetImageColdStart(t *testing.T) {
	f := newFixture(t)
	p := landscape.Key()

	res, err := f.cache.GetImage(context.Background(), landscape, false)
	require.NoError(t, err)
	assert.Equal(t, SourceLive, res.Source)
	assert.Equal(t, "photo-1", res.Record.ID)
	assert.True(t, res.Scheduled)

	f.scheduler.Wait()
	m := metadata(t, f.store, p)
	assert.True(t, m.Main.Count > 0 && m.Main.Count <= capacity)
	assert.Equal(t, capacity, m.Main.Count)
	assert.Equal(t, capacity, m.Buffer.Count)
	assert.False(t, m.IsRefilling)

	calls := f.fetcher.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, fetchCall{landscape, 1}, calls[0])
	assert.Equal(t, fetchCall{landscape, capacity}, calls[1])
	assert.Equal(t, fetchCall{landscape, capacity}, calls[2])

	// main holds the first batch, the buffer the second
	assert.Equal(t, "photo-2", slotIDs(t, f.store, p, cache.Main)[0])
	assert.Equal(t, "photo-32", slotIDs(t, f.store, p, cache.Buffer)[0])
}

func TestGetImageFromMain(t *testing.T) {
	f := newFixture(t)
	p := landscape.Key()
	ids := map[int]string{0: "a", 6: "b", 7: "c", 20: "d", 29: "e"}
	fillTier(t, f.store, p, cache.Main, 0, ids)
	fullTier(t, f.store, p, cache.Buffer)

	res, err := f.cache.GetImage(context.Background(), landscape, false)
	require.NoError(t, err)
	assert.Equal(t, SourceMain, res.Source)
	assert.Contains(t, []string{"a", "b", "c", "d", "e"}, res.Record.ID)
	assert.False(t, res.Scheduled)

	f.scheduler.Wait()
	m := metadata(t, f.store, p)
	assert.Equal(t, 4, m.Main.Count)
	assert.Equal(t, capacity, m.Buffer.Count)
	assert.Empty(t, f.fetcher.Calls())
}

func TestGetImageDrainsMain(t *testing.T) {
	f := newFixture(t)
	p := landscape.Key()
	fillTier(t, f.store, p, cache.Main, 0, map[int]string{3: "last"})
	fullTier(t, f.store, p, cache.Buffer)

	res, err := f.cache.GetImage(context.Background(), landscape, false)
	require.NoError(t, err)
	assert.Equal(t, SourceMain, res.Source)
	assert.Equal(t, "last", res.Record.ID)
	assert.True(t, res.Scheduled)

	f.scheduler.Wait()
	m := metadata(t, f.store, p)
	assert.Equal(t, capacity, m.Main.Count)
	assert.Equal(t, capacity, m.Buffer.Count)
	assert.Equal(t, "buffer-0", slotIDs(t, f.store, p, cache.Main)[0])
	assert.Equal(t, "photo-1", slotIDs(t, f.store, p, cache.Buffer)[0])
}

func TestGetImageFromBuffer(t *testing.T) {
	f := newFixture(t)
	p := landscape.Key()
	mustLoadPartition(t, f.store, p)
	fullTier(t, f.store, p, cache.Buffer)

	res, err := f.cache.GetImage(context.Background(), landscape, false)
	require.NoError(t, err)
	assert.Equal(t, SourceBuffer, res.Source)
	assert.Equal(t, "buffer-1", res.Record.ID)
	assert.True(t, res.Scheduled)

	f.scheduler.Wait()
	m := metadata(t, f.store, p)
	assert.Equal(t, cache.TierState{Count: 29, Pointer: 0}, m.Main)
	assert.Equal(t, cache.TierState{Count: capacity, Pointer: 0}, m.Buffer)

	mainIDs := slotIDs(t, f.store, p, cache.Main)
	assert.Equal(t, "buffer-0", mainIDs[0])
	assert.Equal(t, "", mainIDs[1])
	assert.Equal(t, []fetchCall{{landscape, capacity}}, f.fetcher.Calls())
}

// heldTasks keeps scheduled tasks until told to run them, as a
// scheduler with every worker busy would.
type heldTasks struct {
	tasks []Task
}

func (h *heldTasks) Schedule(_, _ string, task Task) bool {
	h.tasks = append(h.tasks, task)
	return true
}

func (h *heldTasks) run(ctx context.Context) error {
	for _, task := range h.tasks {
		if err := task(ctx); err != nil {
			return err
		}
	}
	h.tasks = nil
	return nil
}

func TestGetImageBufferHitsShareOneRefill(t *testing.T) {
	store, _ := newTestStore(t, capacity)
	fetcher := &fakeFetcher{}
	held := &heldTasks{}
	c, err := NewCache(store, fetcher, newTestRefiller(t, store, fetcher), held, log.NewNopLogger())
	require.NoError(t, err)
	p := landscape.Key()
	mustLoadPartition(t, store, p)
	fullTier(t, store, p, cache.Buffer)

	const hits = 10
	for i := 0; i < hits; i++ {
		res, err := c.GetImage(context.Background(), landscape, false)
		require.NoError(t, err)
		assert.Equal(t, SourceBuffer, res.Source)
		assert.True(t, res.Scheduled)
	}
	require.Len(t, held.tasks, hits)
	require.NoError(t, held.run(context.Background()))

	assert.Equal(t, []fetchCall{{landscape, capacity}}, fetcher.Calls())
	m := metadata(t, store, p)
	assert.Equal(t, capacity-hits, m.Main.Count)
	assert.Equal(t, capacity, m.Buffer.Count)
	assert.Equal(t, "photo-1", slotIDs(t, store, p, cache.Buffer)[0])
}

func TestGetImageFallsThroughDesync(t *testing.T) {
	f := newFixture(t)
	p := landscape.Key()
	mustLoadPartition(t, f.store, p)
	fullTier(t, f.store, p, cache.Buffer)
	m := metadata(t, f.store, p)
	m.Main = cache.TierState{Count: 3, Pointer: 0}
	require.NoError(t, f.store.Save(context.Background(), p, m))

	res, err := f.cache.GetImage(context.Background(), landscape, false)
	require.NoError(t, err)
	assert.Equal(t, SourceBuffer, res.Source)
	f.scheduler.Wait()
}

func TestGetImageDesyncEverywhere(t *testing.T) {
	f := newFixture(t)
	p := landscape.Key()
	m := metadata(t, f.store, mustLoadPartition(t, f.store, p))
	m.Main = cache.TierState{Count: 3, Pointer: 0}
	m.Buffer = cache.TierState{Count: 2, Pointer: 0}
	require.NoError(t, f.store.Save(context.Background(), p, m))

	res, err := f.cache.GetImage(context.Background(), landscape, false)
	require.NoError(t, err)
	assert.Equal(t, SourceLive, res.Source)
	assert.True(t, res.Scheduled)
	f.scheduler.Wait()

	m = metadata(t, f.store, p)
	assert.Equal(t, capacity, m.Main.Count)
	assert.Equal(t, capacity, m.Buffer.Count)
}

func TestGetImageBypass(t *testing.T) {
	f := newFixture(t)
	p := landscape.Key()
	fullTier(t, f.store, p, cache.Main)

	res, err := f.cache.GetImage(context.Background(), landscape, true)
	require.NoError(t, err)
	assert.Equal(t, SourceLive, res.Source)
	assert.False(t, res.Scheduled)
	assert.Equal(t, capacity, metadata(t, f.store, p).Main.Count)
}

func TestGetImageColdWhileRefilling(t *testing.T) {
	f := newFixture(t)
	p := landscape.Key()
	m := metadata(t, f.store, mustLoadPartition(t, f.store, p))
	m.IsRefilling = true
	m.RefillStarted = now.Add(-time.Second)
	require.NoError(t, f.store.Save(context.Background(), p, m))

	res, err := f.cache.GetImage(context.Background(), landscape, false)
	require.NoError(t, err)
	assert.Equal(t, SourceLive, res.Source)
	assert.False(t, res.Scheduled)
	assert.Len(t, f.fetcher.Calls(), 1)
}

func TestGetImageNormalizesFilters(t *testing.T) {
	f := newFixture(t)
	filters := photo.Filters{Collections: []string{"b", " a", "b"}}
	_, err := f.cache.GetImage(context.Background(), filters, false)
	require.NoError(t, err)
	f.scheduler.Wait()

	calls := f.fetcher.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, []string{"a", "b"}, calls[0].filters.Collections)
	assert.Equal(t, capacity, metadata(t, f.store, "collections=a,b").Main.Count)
}

func TestGetImageUpstreamFailures(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	f.fetcher.fetch = func(context.Context, photo.Filters, int) ([]photo.Record, error) {
		return nil, boom
	}
	_, err := f.cache.GetImage(context.Background(), landscape, false)
	assert.True(t, errors.Is(err, boom))

	f.fetcher.fetch = func(context.Context, photo.Filters, int) ([]photo.Record, error) {
		return nil, nil
	}
	_, err = f.cache.GetImage(context.Background(), landscape, false)
	assert.Equal(t, ErrNoImages, err)
}

func TestGetImageBackgroundFailure(t *testing.T) {
	f := newFixture(t)
	p := landscape.Key()
	f.fetcher.fetch = func(_ context.Context, _ photo.Filters, count int) ([]photo.Record, error) {
		if count > 1 {
			return nil, errors.New("503 Service Unavailable")
		}
		return f.fetcher.supply(count), nil
	}

	res, err := f.cache.GetImage(context.Background(), landscape, false)
	require.NoError(t, err)
	assert.True(t, res.Scheduled)
	f.scheduler.Wait()

	m := metadata(t, f.store, p)
	assert.False(t, m.IsRefilling)
	assert.Equal(t, 0, m.Main.Count)
	assert.Equal(t, 0, m.Buffer.Count)
}

func TestDescribeStatus(t *testing.T) {
	f := newFixture(t)
	empty, err := f.cache.DescribeStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, empty)

	fillTier(t, f.store, "orientation=portrait", cache.Main, 4, map[int]string{1: "a", 2: "b", 3: "c"})
	fullTier(t, f.store, "default", cache.Buffer)
	_, err = f.refiller.Refill(context.Background(), "default", photo.Filters{})
	require.NoError(t, err)

	statuses, err := f.cache.DescribeStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, "default", statuses[0].Partition)
	assert.Equal(t, TierStatus{Count: capacity, Pointer: 0, FillPercent: 100}, statuses[0].Buffer)
	assert.Equal(t, 50.0, statuses[0].FillPercent)
	require.NotNil(t, statuses[0].LastRefill)
	assert.True(t, now.Equal(*statuses[0].LastRefill))

	assert.Equal(t, "orientation=portrait", statuses[1].Partition)
	assert.Equal(t, TierStatus{Count: 3, Pointer: 4, FillPercent: 10}, statuses[1].Main)
	assert.Equal(t, 5.0, statuses[1].FillPercent)
	assert.False(t, statuses[1].IsRefilling)
	assert.Nil(t, statuses[1].LastRefill)
}

func mustLoadPartition(t *testing.T, store *cache.Store, p string) string {
	_, err := store.Load(context.Background(), p)
	require.NoError(t, err)
	return p
}
