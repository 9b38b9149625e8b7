package rotation

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics/prometheus"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	ppmetrics "github.com/photopool/photopool/pkg/metrics"
)

var taskDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
	Namespace: "photopool",
	Subsystem: "background",
	Name:      "task_duration_seconds",
	Help:      "Duration of background tasks, in seconds.",
	Buckets:   stdprometheus.DefBuckets,
}, []string{ppmetrics.LabelTask, ppmetrics.LabelSuccess})

// Task is a piece of work to be done after a response has gone.
type Task func(ctx context.Context) error

// Background accepts tasks to run later. Schedule reports whether
// the task was accepted.
type Background interface {
	Schedule(name, partition string, task Task) bool
}

// QueuePerWorker is how many tasks may wait for each worker before
// Schedule starts turning tasks away.
const QueuePerWorker = 64

// Scheduler runs tasks on a fixed number of workers. Tasks wait in a
// bounded queue; when it is full, Schedule refuses the task rather
// than let work pile up. Tasks are not tied to the request that
// scheduled them; they run until they finish, or until Stop gives up
// waiting.
type Scheduler struct {
	logger log.Logger
	queue  chan queued
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	running sync.WaitGroup
}

type queued struct {
	name, partition string
	task            Task
}

func NewScheduler(concurrency int, logger log.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger: logger,
		queue:  make(chan queued, concurrency*QueuePerWorker),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < concurrency; i++ {
		go s.work()
	}
	return s
}

func (s *Scheduler) Schedule(name, partition string, task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.logger.Log("warn", "scheduler stopped; dropping task", "task", name, "partition", partition)
		return false
	}
	s.running.Add(1)
	select {
	case s.queue <- queued{name, partition, task}:
		return true
	default:
		s.running.Done()
		s.logger.Log("warn", "background queue full; dropping task", "task", name, "partition", partition)
		return false
	}
}

func (s *Scheduler) work() {
	for q := range s.queue {
		start := time.Now()
		err := q.task(s.ctx)
		taskDuration.With(
			ppmetrics.LabelTask, q.name,
			ppmetrics.LabelSuccess, strconv.FormatBool(err == nil),
		).Observe(time.Since(start).Seconds())
		if err != nil {
			s.logger.Log("task", q.name, "partition", q.partition, "err", err)
		}
		s.running.Done()
	}
}

// Wait blocks until every task scheduled so far has finished.
func (s *Scheduler) Wait() {
	s.running.Wait()
}

// Stop refuses further tasks and waits up to timeout for those
// already scheduled. Tasks still running after that have their
// context cancelled, and an error is returned.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		return errors.Errorf("background tasks still running after %s", timeout)
	}
}
