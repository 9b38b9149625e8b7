package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/weaveworks/common/middleware"

	pperr "github.com/photopool/photopool/pkg/errors"
	ppmetrics "github.com/photopool/photopool/pkg/metrics"
	"github.com/photopool/photopool/pkg/photo"
	"github.com/photopool/photopool/pkg/rotation"
)

const taskTrackDownload = "track-download"

var (
	requestDuration = stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: "photopool",
		Name:      "request_duration_seconds",
		Help:      "Time (in seconds) spent serving HTTP requests.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{ppmetrics.LabelMethod, ppmetrics.LabelRoute, "status_code", "ws"})
)

func init() {
	stdprometheus.MustRegister(requestDuration)
}

// PhotoServer is what the HTTP API serves from; *rotation.Cache
// implements it.
type PhotoServer interface {
	GetImage(ctx context.Context, filters photo.Filters, bypass bool) (rotation.Result, error)
	DescribeStatus(ctx context.Context) ([]rotation.PartitionStatus, error)
}

// Tracker is told about each photo served.
type Tracker interface {
	TrackDownload(ctx context.Context, rec photo.Record) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Photos     PhotoServer
	Store      Pinger
	Tracker    Tracker
	Background rotation.Background
	Logger     log.Logger
}

type PhotoResponse struct {
	Photo     photo.Record `json:"photo"`
	Source    string       `json:"source"`
	Scheduled bool         `json:"scheduled"`
}

func NewHandler(config Config, r *mux.Router) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	handle := HTTPServer{
		photos:     config.Photos,
		store:      config.Store,
		tracker:    config.Tracker,
		background: config.Background,
		logger:     logger,
	}

	r.Get(RandomPhoto).HandlerFunc(handle.RandomPhoto)
	r.Get(Status).HandlerFunc(handle.Status)
	r.Get(Health).HandlerFunc(handle.Health)
	r.Get(Metrics).Handler(promhttp.Handler())

	return middleware.Instrument{
		RouteMatcher: r,
		Duration:     requestDuration,
	}.Wrap(r)
}

type HTTPServer struct {
	photos     PhotoServer
	store      Pinger
	tracker    Tracker
	background rotation.Background
	logger     log.Logger
}

func (s HTTPServer) RandomPhoto(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters, err := photo.ParseFilters(q)
	if err != nil {
		ErrorResponse(w, r, invalidFilters(err))
		return
	}
	var bypass bool
	if v := q.Get("nocache"); v != "" {
		if bypass, err = strconv.ParseBool(v); err != nil {
			ErrorResponse(w, r, invalidFilters(err))
			return
		}
	}

	res, err := s.photos.GetImage(r.Context(), filters, bypass)
	if err != nil {
		// Nothing matching the filters is the client's business.
		if !pperr.IsMissing(err) {
			s.logger.Log("method", RandomPhoto, "partition", filters.Key(), "err", err)
		}
		ErrorResponse(w, r, err)
		return
	}

	if s.tracker != nil && s.background != nil {
		rec := res.Record
		s.background.Schedule(taskTrackDownload, filters.Key(), func(ctx context.Context) error {
			return s.tracker.TrackDownload(ctx, rec)
		})
	}
	JSONResponse(w, r, PhotoResponse{
		Photo:     res.Record,
		Source:    string(res.Source),
		Scheduled: res.Scheduled,
	})
}

func (s HTTPServer) Status(w http.ResponseWriter, r *http.Request) {
	status, err := s.photos.DescribeStatus(r.Context())
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}
	JSONResponse(w, r, status)
}

func (s HTTPServer) Health(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.logger.Log("method", Health, "err", err)
			WriteError(w, r, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
