package rotation

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/photopool/photopool/pkg/cache"
	"github.com/photopool/photopool/pkg/photo"
)

// DefaultRefillStaleAfter is how long a refill may hold the guard
// before others assume it has died.
const DefaultRefillStaleAfter = 2 * time.Minute

// Fetcher gets photos from the provider.
type Fetcher interface {
	FetchRandom(ctx context.Context, filters photo.Filters, count int) ([]photo.Record, error)
}

// Locker hands out exclusive, expiring leases on a partition. When
// the lease is not available, ok is false and err is nil.
type Locker interface {
	TryLock(ctx context.Context, partition string) (unlock func(), ok bool, err error)
}

// Refiller populates buffer tiers from the photo provider.
type Refiller struct {
	// Locker, if set, is taken around each refill in addition to the
	// guard flag kept in the metadata.
	Locker Locker
	// StaleAfter is how old a guard must be before it is ignored.
	// Zero means guards never go stale.
	StaleAfter time.Duration

	store   *cache.Store
	fetcher Fetcher
	logger  log.Logger
	now     func() time.Time
}

func NewRefiller(store *cache.Store, fetcher Fetcher, logger log.Logger) (*Refiller, error) {
	if store == nil || fetcher == nil {
		return nil, errors.New("arguments must be non-nil")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Refiller{
		StaleAfter: DefaultRefillStaleAfter,
		store:      store,
		fetcher:    fetcher,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// InProgress reports whether m records a refill that is still
// believed to be running.
func (r *Refiller) InProgress(m cache.Metadata) bool {
	if !m.IsRefilling {
		return false
	}
	if r.StaleAfter <= 0 {
		return true
	}
	return r.now().Sub(m.RefillStarted) < r.StaleAfter
}

// Refill replaces the buffer tier of a partition with a fresh batch
// of photos. If another refill is in progress, it does nothing and
// returns the metadata as found.
//
// The guard flag is saved before asking the provider for anything, so
// that others see it for the duration. If anything fails, the flag is
// cleared again and the buffer is left as it was.
func (r *Refiller) Refill(ctx context.Context, partition string, filters photo.Filters) (cache.Metadata, error) {
	m, err := r.store.Load(ctx, partition)
	if err != nil {
		return cache.Metadata{}, err
	}
	if r.InProgress(m) {
		return m, nil
	}
	if m.IsRefilling {
		r.logger.Log("warn", "ignoring stale refill guard", "partition", partition, "started", m.RefillStarted.Format(time.RFC3339))
	}

	if r.Locker != nil {
		unlock, ok, err := r.Locker.TryLock(ctx, partition)
		if err != nil {
			return m, errors.Wrapf(err, "locking partition %q for refill", partition)
		}
		if !ok {
			return m, nil
		}
		defer unlock()
	}

	m.IsRefilling = true
	m.RefillStarted = r.now()
	if err := r.store.Save(ctx, partition, m); err != nil {
		return m, err
	}

	capacity := r.store.Capacity()
	records, err := r.fetcher.FetchRandom(ctx, filters, capacity)
	if err != nil {
		return r.abandon(ctx, partition, errors.Wrapf(err, "fetching photos for partition %q", partition))
	}

	slots := r.store.EmptySlots()
	var n int
	for i := range records {
		if n == capacity {
			break
		}
		rec := records[i]
		slots[n] = &rec
		n++
	}
	if err := r.store.SaveSlots(ctx, partition, cache.Buffer, slots); err != nil {
		return r.abandon(ctx, partition, err)
	}

	latest, err := r.store.Load(ctx, partition)
	if err != nil {
		return r.abandon(ctx, partition, err)
	}
	latest.Buffer = cache.TierState{Count: n, Pointer: 0}
	latest.IsRefilling = false
	latest.RefillStarted = time.Time{}
	latest.LastRefill = r.now()
	if err := r.store.Save(ctx, partition, latest); err != nil {
		return r.abandon(ctx, partition, err)
	}
	return latest, nil
}

// abandon clears the guard after a failed refill and returns the
// failure.
func (r *Refiller) abandon(ctx context.Context, partition string, cause error) (cache.Metadata, error) {
	m, err := r.store.Load(ctx, partition)
	if err != nil {
		r.logger.Log("err", errors.Wrap(err, "clearing refill guard"), "partition", partition)
		return m, cause
	}
	m.IsRefilling = false
	m.RefillStarted = time.Time{}
	if err := r.store.Save(ctx, partition, m); err != nil {
		r.logger.Log("err", errors.Wrap(err, "clearing refill guard"), "partition", partition)
	}
	return m, cause
}
