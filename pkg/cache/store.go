package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/photopool/photopool/pkg/photo"
)

// TierState is the occupancy record of one tier. Count is the number
// of non-empty slots in the tier's array; Pointer is the slot last
// read, and is always in [0, capacity).
type TierState struct {
	Count   int `json:"count"`
	Pointer int `json:"pointer"`
}

// Metadata is everything we record about a partition apart from the
// slot arrays themselves.
//
// IsRefilling is advisory: two refills that both read it as false
// before either writes it will both go ahead. RefillStarted is when
// the flag was last raised, so that a flag left behind by a process
// that died mid-refill can be recognised and ignored.
type Metadata struct {
	Main          TierState `json:"main"`
	Buffer        TierState `json:"buffer"`
	IsRefilling   bool      `json:"isRefilling"`
	RefillStarted time.Time `json:"refillStarted"`
	LastRefill    time.Time `json:"lastRefill"`
}

// Tier returns the state of the given tier, for modification in place.
func (m *Metadata) Tier(t Tier) *TierState {
	if t == Buffer {
		return &m.Buffer
	}
	return &m.Main
}

// Slots is a tier's fixed-length array; a nil entry is an empty slot.
type Slots []*photo.Record

// Occupied counts the non-empty slots.
func (s Slots) Occupied() int {
	var n int
	for _, r := range s {
		if r != nil {
			n++
		}
	}
	return n
}

// Store reads and writes partitions through a Client. All partition
// state lives in the client, so any number of processes may share a
// backing store.
type Store struct {
	client   Client
	capacity int
	creating singleflight.Group
}

func NewStore(client Client, capacity int) (*Store, error) {
	if client == nil || capacity <= 0 {
		return nil, errors.New("arguments must be non-nil (or > 0 in the case of capacity)")
	}
	return &Store{client: client, capacity: capacity}, nil
}

// Capacity is the number of slots in each tier.
func (s *Store) Capacity() int {
	return s.capacity
}

// EmptySlots returns an all-empty array of the configured capacity.
func (s *Store) EmptySlots() Slots {
	return make(Slots, s.capacity)
}

// Load returns the metadata for a partition, creating the partition
// (zeroed metadata and two empty slot arrays) if it has not been seen
// before. Nothing that already exists is overwritten, so a caller
// racing with another's initialisation does not wipe out a partition
// that has since been filled.
//
// Callers in this process asking for the same new partition at once
// share a single initialisation. It runs detached from the
// cancellation of whichever caller started it, so one abandoned
// request does not fail the others; ctx still bounds the wait.
func (s *Store) Load(ctx context.Context, partition string) (Metadata, error) {
	m, err := s.Peek(ctx, partition)
	if err == nil {
		return m, nil
	}
	if err != ErrNotCached {
		return Metadata{}, err
	}

	ch := s.creating.DoChan(partition, func() (interface{}, error) {
		return s.create(context.WithoutCancel(ctx), partition)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Metadata{}, res.Err
		}
		return res.Val.(Metadata), nil
	case <-ctx.Done():
		return Metadata{}, errors.Wrapf(ctx.Err(), "waiting for partition %q to be created", partition)
	}
}

func (s *Store) create(ctx context.Context, partition string) (Metadata, error) {
	for _, tier := range []Tier{Main, Buffer} {
		_, err := s.client.GetKey(ctx, NewSlotsKey(partition, tier))
		switch {
		case err == ErrNotCached:
			if err := s.SaveSlots(ctx, partition, tier, s.EmptySlots()); err != nil {
				return Metadata{}, err
			}
		case err != nil:
			return Metadata{}, errors.Wrapf(err, "checking %s slots for partition %q", tier, partition)
		}
	}

	// Someone else may have created (and filled) the partition while
	// we were looking at the slots; their counts win.
	m, err := s.Peek(ctx, partition)
	switch {
	case err == nil:
		return m, nil
	case err != ErrNotCached:
		return Metadata{}, err
	}
	m = Metadata{}
	if err := s.Save(ctx, partition, m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Peek returns the metadata for a partition without creating it;
// ErrNotCached if the partition has not been seen.
func (s *Store) Peek(ctx context.Context, partition string) (Metadata, error) {
	bytes, err := s.client.GetKey(ctx, NewMetadataKey(partition))
	if err == ErrNotCached {
		return Metadata{}, ErrNotCached
	}
	if err != nil {
		return Metadata{}, errors.Wrapf(err, "fetching metadata for partition %q", partition)
	}
	var m Metadata
	if err := json.Unmarshal(bytes, &m); err != nil {
		return Metadata{}, errors.Wrapf(err, "decoding metadata for partition %q", partition)
	}
	s.clamp(&m.Main)
	s.clamp(&m.Buffer)
	return m, nil
}

// Save overwrites the metadata for a partition.
func (s *Store) Save(ctx context.Context, partition string, m Metadata) error {
	s.clamp(&m.Main)
	s.clamp(&m.Buffer)
	bytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.client.SetKey(ctx, NewMetadataKey(partition), bytes); err != nil {
		return errors.Wrapf(err, "storing metadata for partition %q", partition)
	}
	return nil
}

// LoadSlots returns a tier's slot array, always of the configured
// capacity. It returns ErrNotCached if the array is missing.
func (s *Store) LoadSlots(ctx context.Context, partition string, tier Tier) (Slots, error) {
	bytes, err := s.client.GetKey(ctx, NewSlotsKey(partition, tier))
	if err == ErrNotCached {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s slots for partition %q", tier, partition)
	}
	var slots Slots
	if err := json.Unmarshal(bytes, &slots); err != nil {
		return nil, errors.Wrapf(err, "decoding %s slots for partition %q", tier, partition)
	}
	return s.fit(slots), nil
}

// SaveSlots overwrites a tier's slot array.
func (s *Store) SaveSlots(ctx context.Context, partition string, tier Tier, slots Slots) error {
	bytes, err := json.Marshal(s.fit(slots))
	if err != nil {
		return err
	}
	if err := s.client.SetKey(ctx, NewSlotsKey(partition, tier), bytes); err != nil {
		return errors.Wrapf(err, "storing %s slots for partition %q", tier, partition)
	}
	return nil
}

// Partitions lists every partition that has metadata in the store.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	keys, err := s.client.ListKeys(ctx, MetadataKeyPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "listing partitions")
	}
	var partitions []string
	for _, k := range keys {
		if p, ok := PartitionFromKey(k); ok {
			partitions = append(partitions, p)
		}
	}
	return partitions, nil
}

// Ping checks that the backing store answers. A miss is an answer.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.GetKey(ctx, NewMetadataKey(""))
	if err == ErrNotCached {
		return nil
	}
	return err
}

// fit pads or truncates slots to the configured capacity, which may
// have changed since they were written.
func (s *Store) fit(slots Slots) Slots {
	if len(slots) == s.capacity {
		return slots
	}
	out := s.EmptySlots()
	copy(out, slots)
	return out
}

func (s *Store) clamp(t *TierState) {
	if t.Count < 0 {
		t.Count = 0
	}
	if t.Count > s.capacity {
		t.Count = s.capacity
	}
	if t.Pointer < 0 || t.Pointer >= s.capacity {
		t.Pointer = ((t.Pointer % s.capacity) + s.capacity) % s.capacity
	}
}
