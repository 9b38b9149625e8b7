package rotation

import (
	"context"
	"sort"
	"time"

	"github.com/photopool/photopool/pkg/cache"
)

type TierStatus struct {
	Count       int     `json:"count"`
	Pointer     int     `json:"pointer"`
	FillPercent float64 `json:"fillPercent"`
}

// PartitionStatus summarises a partition for monitoring. FillPercent
// is over both tiers together.
type PartitionStatus struct {
	Partition   string     `json:"partition"`
	Main        TierStatus `json:"main"`
	Buffer      TierStatus `json:"buffer"`
	FillPercent float64    `json:"fillPercent"`
	IsRefilling bool       `json:"isRefilling"`
	LastRefill  *time.Time `json:"lastRefill"`
}

// DescribeStatus reports on every partition in the store, in order of
// partition key. It only reads; partitions are not created or
// repaired.
func (c *Cache) DescribeStatus(ctx context.Context) ([]PartitionStatus, error) {
	partitions, err := c.store.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(partitions)

	capacity := c.store.Capacity()
	statuses := []PartitionStatus{}
	for _, p := range partitions {
		m, err := c.store.Peek(ctx, p)
		if err == cache.ErrNotCached {
			// listed, then evicted
			continue
		}
		if err != nil {
			return nil, err
		}
		s := PartitionStatus{
			Partition:   p,
			Main:        tierStatus(m.Main, capacity),
			Buffer:      tierStatus(m.Buffer, capacity),
			FillPercent: percent(m.Main.Count+m.Buffer.Count, 2*capacity),
			IsRefilling: m.IsRefilling,
		}
		if !m.LastRefill.IsZero() {
			t := m.LastRefill
			s.LastRefill = &t
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

func tierStatus(t cache.TierState, capacity int) TierStatus {
	return TierStatus{
		Count:       t.Count,
		Pointer:     t.Pointer,
		FillPercent: percent(t.Count, capacity),
	}
}

func percent(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) * 100 / float64(of)
}
