package rotation

import (
	"context"

	"github.com/pkg/errors"

	"github.com/photopool/photopool/pkg/cache"
	"github.com/photopool/photopool/pkg/photo"
)

// TakeOne removes the next record from a tier. It scans the tier's
// slots circularly starting one after the pointer, moving the
// pointer along as it goes, and empties the first occupied slot it
// finds.
//
// The tier state in m is updated in place, and changed reports
// whether it was; the caller is responsible for saving m. If the
// count says there should be something in the tier but there isn't
// (the slots are missing, or all empty), the count is reset to zero
// and no record is returned.
func TakeOne(ctx context.Context, store *cache.Store, partition string, tier cache.Tier, m *cache.Metadata) (rec *photo.Record, changed bool, err error) {
	state := m.Tier(tier)
	if state.Count <= 0 {
		return nil, false, nil
	}

	slots, err := store.LoadSlots(ctx, partition, tier)
	if err == cache.ErrNotCached {
		if err := store.SaveSlots(ctx, partition, tier, store.EmptySlots()); err != nil {
			return nil, false, err
		}
		state.Count = 0
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	capacity := store.Capacity()
	pointer := state.Pointer
	for i := 0; i < capacity; i++ {
		pointer = (pointer + 1) % capacity
		if slots[pointer] == nil {
			continue
		}
		rec = slots[pointer]
		slots[pointer] = nil
		if err := store.SaveSlots(ctx, partition, tier, slots); err != nil {
			return nil, false, errors.Wrapf(err, "taking from %s tier", tier)
		}
		state.Pointer = pointer
		state.Count--
		return rec, true, nil
	}

	// A full circle brings the pointer back to where it started.
	state.Count = 0
	return nil, true, nil
}
