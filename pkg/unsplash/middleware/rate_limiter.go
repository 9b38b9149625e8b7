package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	minLimit  = 0.01
	backOffBy = 2.0
	recoverBy = 1.5

	// Sent with every response; the requests left in the current
	// hourly window.
	remainingHeader = "X-Ratelimit-Remaining"
)

// RateLimiters throttles requests per host, adapting to what the host
// says about it.
//
// Requests through a RoundTripper wait for the host's limiter. A 429,
// or a response reporting no requests left, halves the host's limit;
// further such responses change nothing until Recover is called, so a
// burst of concurrent refusals halves it only once. Recover, called
// after a successful operation, raises the limit by half again, up
// to RPS.
type RateLimiters struct {
	RPS    float64
	Burst  int
	Logger log.Logger

	mu    sync.Mutex
	hosts map[string]*hostLimit
}

type hostLimit struct {
	*rate.Limiter
	// reduced is set by a back-off and cleared by Recover.
	reduced bool
}

// host returns the state for a host, creating it at the full limit.
// The caller must hold limiters.mu.
func (limiters *RateLimiters) host(name string) *hostLimit {
	if limiters.hosts == nil {
		limiters.hosts = map[string]*hostLimit{}
	}
	h, ok := limiters.hosts[name]
	if !ok {
		h = &hostLimit{Limiter: rate.NewLimiter(rate.Limit(limiters.RPS), limiters.Burst)}
		limiters.hosts[name] = h
	}
	return h
}

func (limiters *RateLimiters) clip(limit float64) float64 {
	switch {
	case limit < minLimit:
		return minLimit
	case limit > limiters.RPS:
		return limiters.RPS
	}
	return limit
}

// scale multiplies a host's limit by factor. The caller must hold
// limiters.mu.
func (limiters *RateLimiters) scale(name string, h *hostLimit, factor float64) {
	old := float64(h.Limit())
	limit := limiters.clip(old * factor)
	if limit == old {
		return
	}
	h.SetLimit(rate.Limit(limit))
	if limiters.Logger != nil {
		limiters.Logger.Log("info", "adjusted rate limit", "host", name, "limit", strconv.FormatFloat(limit, 'f', 2, 64))
	}
}

func (limiters *RateLimiters) backOff(name string) {
	limiters.mu.Lock()
	defer limiters.mu.Unlock()
	h := limiters.host(name)
	if h.reduced {
		return
	}
	h.reduced = true
	limiters.scale(name, h, 1/backOffBy)
}

// Recover raises the limit for a host after a successful operation.
// Hosts never used are left alone.
func (limiters *RateLimiters) Recover(name string) {
	limiters.mu.Lock()
	defer limiters.mu.Unlock()
	h, ok := limiters.hosts[name]
	if !ok {
		return
	}
	h.reduced = false
	limiters.scale(name, h, recoverBy)
}

// Limit reports the current limit for a host, in requests per second.
func (limiters *RateLimiters) Limit(name string) float64 {
	limiters.mu.Lock()
	defer limiters.mu.Unlock()
	return float64(limiters.host(name).Limit())
}

// RoundTripper wraps rt so that requests to host are throttled.
func (limiters *RateLimiters) RoundTripper(rt http.RoundTripper, host string) http.RoundTripper {
	limiters.mu.Lock()
	h := limiters.host(host)
	limiters.mu.Unlock()

	return &throttled{
		wait: h.Wait,
		next: rt,
		refused: func() {
			limiters.backOff(host)
		},
	}
}

type throttled struct {
	wait    func(ctx context.Context) error
	next    http.RoundTripper
	refused func()
}

func (t *throttled) RoundTrip(r *http.Request) (*http.Response, error) {
	// Wait gives up straight away if the request's deadline would
	// pass before its turn comes.
	if err := t.wait(r.Context()); err != nil {
		return nil, errors.Wrap(err, "rate limited")
	}
	resp, err := t.next.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.Header.Get(remainingHeader) == "0" {
		t.refused()
	}
	return resp, nil
}
