package rotation

import (
	"context"

	"github.com/pkg/errors"

	"github.com/photopool/photopool/pkg/cache"
)

// Promote replaces the main tier of a partition with a copy of its
// buffer tier, and points main back at the start. The buffer is left
// as it is; refilling it is a separate step.
//
// Nothing is written to the metadata until the main slots have been
// written, so a failure leaves the metadata describing the old main
// tier.
func Promote(ctx context.Context, store *cache.Store, partition string) (cache.Metadata, error) {
	m, err := store.Load(ctx, partition)
	if err != nil {
		return cache.Metadata{}, err
	}
	buffered := m.Buffer.Count

	slots, err := store.LoadSlots(ctx, partition, cache.Buffer)
	if err != nil {
		return m, errors.Wrapf(err, "reading buffer for promotion in partition %q", partition)
	}
	if err := store.SaveSlots(ctx, partition, cache.Main, slots); err != nil {
		return m, err
	}

	// Requests may have been served from main while we were copying;
	// only main is ours to change.
	latest, err := store.Load(ctx, partition)
	if err != nil {
		return m, err
	}
	latest.Main = cache.TierState{Count: buffered, Pointer: 0}
	if err := store.Save(ctx, partition, latest); err != nil {
		return m, err
	}
	return latest, nil
}
