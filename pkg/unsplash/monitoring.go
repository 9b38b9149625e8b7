package unsplash

// Monitoring middleware for the photo provider

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/photopool/photopool/pkg/photo"
	ppmetrics "github.com/photopool/photopool/pkg/metrics"
)

const (
	RequestKindRandom   = "random"
	RequestKindDownload = "download"
)

var (
	upstreamDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "photopool",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Duration of photo provider requests, in seconds.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{ppmetrics.LabelKind, ppmetrics.LabelSuccess})
	upstreamPhotos = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "photopool",
		Subsystem: "upstream",
		Name:      "photos_total",
		Help:      "Photos received from the photo provider.",
	}, []string{})
)

type instrumentedFetcher struct {
	next Fetcher
}

func NewInstrumentedFetcher(next Fetcher) Fetcher {
	return &instrumentedFetcher{
		next: next,
	}
}

func (m *instrumentedFetcher) FetchRandom(ctx context.Context, filters photo.Filters, count int) (res []photo.Record, err error) {
	start := time.Now()
	res, err = m.next.FetchRandom(ctx, filters, count)
	upstreamDuration.With(
		ppmetrics.LabelKind, RequestKindRandom,
		ppmetrics.LabelSuccess, strconv.FormatBool(err == nil),
	).Observe(time.Since(start).Seconds())
	upstreamPhotos.Add(float64(len(res)))
	return
}

func (m *instrumentedFetcher) TrackDownload(ctx context.Context, rec photo.Record) (err error) {
	start := time.Now()
	err = m.next.TrackDownload(ctx, rec)
	upstreamDuration.With(
		ppmetrics.LabelKind, RequestKindDownload,
		ppmetrics.LabelSuccess, strconv.FormatBool(err == nil),
	).Observe(time.Since(start).Seconds())
	return
}
