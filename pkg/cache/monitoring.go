package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	ppmetrics "github.com/photopool/photopool/pkg/metrics"
)

var (
	cacheRequestDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "photopool",
		Subsystem: "cache",
		Name:      "request_duration_seconds",
		Help:      "Duration of cache store requests, in seconds.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{ppmetrics.LabelMethod, ppmetrics.LabelSuccess})
)

type instrumentedClient struct {
	next Client
}

func InstrumentClient(c Client) Client {
	return &instrumentedClient{
		next: c,
	}
}

// A cache miss is a successful request as far as the store goes.
func succeeded(err error) string {
	return fmt.Sprint(err == nil || err == ErrNotCached)
}

func (i *instrumentedClient) GetKey(ctx context.Context, k Keyer) (_ []byte, err error) {
	defer func(begin time.Time) {
		cacheRequestDuration.With(
			ppmetrics.LabelMethod, "GetKey",
			ppmetrics.LabelSuccess, succeeded(err),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.next.GetKey(ctx, k)
}

func (i *instrumentedClient) SetKey(ctx context.Context, k Keyer, v []byte) (err error) {
	defer func(begin time.Time) {
		cacheRequestDuration.With(
			ppmetrics.LabelMethod, "SetKey",
			ppmetrics.LabelSuccess, succeeded(err),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.next.SetKey(ctx, k, v)
}

func (i *instrumentedClient) ListKeys(ctx context.Context, prefix string) (_ []string, err error) {
	defer func(begin time.Time) {
		cacheRequestDuration.With(
			ppmetrics.LabelMethod, "ListKeys",
			ppmetrics.LabelSuccess, succeeded(err),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.next.ListKeys(ctx, prefix)
}
