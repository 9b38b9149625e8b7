package rotation

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/photopool/photopool/pkg/cache"
	pperr "github.com/photopool/photopool/pkg/errors"
	ppmetrics "github.com/photopool/photopool/pkg/metrics"
	"github.com/photopool/photopool/pkg/photo"
)

// Source says where a served photo came from.
type Source string

const (
	SourceMain   Source = "main"
	SourceBuffer Source = "buffer"
	SourceLive   Source = "live"
)

const (
	taskWarm  = "warm"
	taskDrain = "drain"
)

var ErrNoImages = &pperr.Error{
	Type: pperr.Missing,
	Err:  errors.New("no photos match the filters"),
	Help: `No photos match the filters

The photo provider returned nothing for the filters given. Try a
different orientation, or fewer collections.
`,
}

// Result is a served photo, with whether background work was
// scheduled on account of it.
type Result struct {
	Record    photo.Record
	Source    Source
	Scheduled bool
}

// Cache decides, for each request, which tier to serve from, and what
// to do in the background to keep the tiers stocked.
type Cache struct {
	// Sources, if set, counts served photos by source.
	Sources *ppmetrics.Accumulator

	store      *cache.Store
	fetcher    Fetcher
	refiller   *Refiller
	background Background
	logger     log.Logger
}

func NewCache(store *cache.Store, fetcher Fetcher, refiller *Refiller, background Background, logger log.Logger) (*Cache, error) {
	if store == nil || fetcher == nil || refiller == nil || background == nil {
		return nil, errors.New("arguments must be non-nil")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Cache{
		store:      store,
		fetcher:    fetcher,
		refiller:   refiller,
		background: background,
		logger:     logger,
	}, nil
}

// GetImage serves one photo matching the filters. In order of
// preference it comes from the main tier, the buffer tier, or the
// provider directly; bypass skips straight to the provider.
//
// A tier that turns out to be empty despite its count is reset and
// the next option tried, within the same request.
func (c *Cache) GetImage(ctx context.Context, filters photo.Filters, bypass bool) (Result, error) {
	filters = filters.Normalize()
	partition := filters.Key()

	m, err := c.store.Load(ctx, partition)
	if err != nil {
		return Result{}, err
	}

	if !bypass {
		for _, tier := range []cache.Tier{cache.Main, cache.Buffer} {
			rec, err := c.take(ctx, partition, tier, &m)
			if err != nil {
				return Result{}, err
			}
			if rec == nil {
				continue
			}
			res := Result{Record: *rec, Source: Source(tier)}
			// Serving from the buffer means main is empty, so it
			// always wants replacing.
			if tier == cache.Buffer || m.Main.Count == 0 && m.Buffer.Count > 0 {
				res.Scheduled = c.background.Schedule(taskDrain, partition, c.drain(partition, filters))
			}
			c.count(res.Source)
			return res, nil
		}
	}

	records, err := c.fetcher.FetchRandom(ctx, filters, 1)
	if err != nil {
		return Result{}, &pperr.Error{
			Type: pperr.Upstream,
			Err:  errors.Wrapf(err, "fetching live photo for partition %q", partition),
			Help: `The photo provider could not be reached

There was nothing cached for these filters, and asking the photo
provider for a photo failed. Try again shortly.
`,
		}
	}
	if len(records) == 0 {
		return Result{}, ErrNoImages
	}
	res := Result{Record: records[0], Source: SourceLive}
	if m.Main.Count == 0 && m.Buffer.Count == 0 && !c.refiller.InProgress(m) {
		res.Scheduled = c.background.Schedule(taskWarm, partition, c.warm(partition, filters))
	}
	c.count(res.Source)
	return res, nil
}

// take takes one record from a tier, saving the metadata if that
// changed it.
func (c *Cache) take(ctx context.Context, partition string, tier cache.Tier, m *cache.Metadata) (*photo.Record, error) {
	rec, changed, err := TakeOne(ctx, c.store, partition, tier, m)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}
	if rec == nil {
		c.logger.Log("warn", "tier count disagrees with slots; reset to zero", "partition", partition, "tier", tier)
	}
	if err := c.store.Save(ctx, partition, *m); err != nil {
		return nil, err
	}
	return rec, nil
}

// warm stocks a cold partition: fill the buffer, move it into main,
// then fill the buffer again.
func (c *Cache) warm(partition string, filters photo.Filters) Task {
	return func(ctx context.Context) error {
		if _, err := c.refiller.Refill(ctx, partition, filters); err != nil {
			return err
		}
		return c.drain(partition, filters)(ctx)
	}
}

// drain replaces an emptied main tier with the buffer, then refills
// the buffer. It does nothing if main has been restocked since.
func (c *Cache) drain(partition string, filters photo.Filters) Task {
	return func(ctx context.Context) error {
		m, err := c.store.Load(ctx, partition)
		if err != nil {
			return err
		}
		// Every request that emptied main, or was served from the
		// buffer, queued one of these. The first to run promotes and
		// refills; the rest find main stocked again and stop here.
		if m.Main.Count > 0 {
			return nil
		}
		// Promoting an empty buffer would only throw away whatever
		// is left in main.
		if m.Buffer.Count > 0 {
			if _, err := Promote(ctx, c.store, partition); err != nil {
				return err
			}
		}
		_, err = c.refiller.Refill(ctx, partition, filters)
		return err
	}
}

func (c *Cache) count(source Source) {
	if c.Sources != nil {
		c.Sources.Add(1, ppmetrics.LabelSource, string(source))
	}
}
