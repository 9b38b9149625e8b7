package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/metrics"
)

// Accumulator batches increments to a counter and hands them on
// when flushed, either by Loop on a timer or explicitly. Nothing is
// lost at shutdown as long as Loop is allowed to return, since it
// flushes on its way out.
type Accumulator struct {
	counter metrics.Counter

	mu      sync.Mutex
	pending map[string]*pendingCount
}

type pendingCount struct {
	labelValues []string
	delta       float64
}

func NewAccumulator(counter metrics.Counter) *Accumulator {
	return &Accumulator{
		counter: counter,
		pending: map[string]*pendingCount{},
	}
}

// Add records delta against the given label values, as
// metrics.Counter.With(labelValues...).Add(delta) would.
func (a *Accumulator) Add(delta float64, labelValues ...string) {
	k := strings.Join(labelValues, "\x00")
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pending[k]; ok {
		p.delta += delta
		return
	}
	a.pending[k] = &pendingCount{
		labelValues: append([]string(nil), labelValues...),
		delta:       delta,
	}
}

// Flush passes everything accumulated so far to the counter.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	pending := a.pending
	a.pending = map[string]*pendingCount{}
	a.mu.Unlock()

	for _, p := range pending {
		a.counter.With(p.labelValues...).Add(p.delta)
	}
}

// Loop flushes every interval until stop is closed, then flushes a
// final time.
func (a *Accumulator) Loop(interval time.Duration, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Flush()
		case <-stop:
			a.Flush()
			return
		}
	}
}
