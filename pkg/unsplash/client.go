package unsplash

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"resty.dev/v3"

	"github.com/photopool/photopool/pkg/photo"
	"github.com/photopool/photopool/pkg/unsplash/middleware"
)

const (
	DefaultBaseURL = "https://api.unsplash.com"

	// The random photo endpoint returns at most this many photos per
	// request.
	maxPerRequest = 30

	randomPath = "/photos/random"
)

// Fetcher is what the photo pool needs from the photo provider.
type Fetcher interface {
	// FetchRandom returns up to count random photos matching the
	// filters. Fewer (even none) is not an error.
	FetchRandom(ctx context.Context, filters photo.Filters, count int) ([]photo.Record, error)
	// TrackDownload tells the provider a photo has been used, as its
	// API guidelines require.
	TrackDownload(ctx context.Context, rec photo.Record) error
}

// StatusError is a non-success response from the provider.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("photo provider responded %s", e.Status)
	}
	return fmt.Sprintf("photo provider responded %s: %s", e.Status, e.Body)
}

// IsRateLimited reports whether err is the provider refusing a
// request for exceeding its rate limit.
func IsRateLimited(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode == http.StatusForbidden && strings.Contains(se.Body, "Rate Limit")
	}
	return false
}

type Config struct {
	BaseURL   string
	AccessKey string
	Timeout   time.Duration
	Limiters  *middleware.RateLimiters
	// PhotoOfTheDayCollection is the collection searched when a
	// request asks for the photo of the day. Left empty, such
	// requests are served from the whole catalogue.
	PhotoOfTheDayCollection string
	Logger                  log.Logger
	Trace                   bool
}

// Client talks to the photo provider's API.
type Client struct {
	http     *resty.Client
	host     string
	limiters *middleware.RateLimiters
	potd     string
	logger   log.Logger
	trace    bool
}

func NewClient(config Config) (*Client, error) {
	base := config.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing base URL %q", base)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base URL %q has no host", base)
	}
	if config.AccessKey == "" {
		return nil, errors.New("an access key is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	var tx http.RoundTripper = http.DefaultTransport
	if config.Limiters != nil {
		tx = config.Limiters.RoundTripper(tx, u.Host)
	}
	if config.Trace {
		tx = &logging{logger: logger, transport: tx}
	}

	hc := resty.New().
		SetBaseURL(strings.TrimSuffix(base, "/")).
		SetTransport(tx).
		SetHeader("Authorization", "Client-ID "+config.AccessKey).
		SetHeader("Accept-Version", "v1")
	if config.Timeout > 0 {
		hc.SetTimeout(config.Timeout)
	}

	return &Client{
		http:     hc,
		host:     u.Host,
		limiters: config.Limiters,
		potd:     config.PhotoOfTheDayCollection,
		logger:   logger,
		trace:    config.Trace,
	}, nil
}

// FetchRandom asks for count random photos, in batches no larger than
// the provider allows. It stops early if a batch comes back short,
// since asking again will not find more.
func (c *Client) FetchRandom(ctx context.Context, filters photo.Filters, count int) ([]photo.Record, error) {
	var records []photo.Record
	for len(records) < count {
		want := count - len(records)
		if want > maxPerRequest {
			want = maxPerRequest
		}
		batch, err := c.fetchBatch(ctx, filters, want)
		if err != nil {
			return nil, err
		}
		for _, p := range batch {
			records = append(records, p.record())
		}
		if len(batch) < want {
			break
		}
	}
	if c.limiters != nil {
		c.limiters.Recover(c.host)
	}
	return records, nil
}

func (c *Client) fetchBatch(ctx context.Context, filters photo.Filters, count int) ([]apiPhoto, error) {
	var photos []apiPhoto
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("count", strconv.Itoa(count)).
		SetResult(&photos)
	for k, v := range c.query(filters) {
		req.SetQueryParam(k, v)
	}
	resp, err := req.Get(randomPath)
	if err != nil {
		return nil, errors.Wrap(err, "requesting random photos")
	}
	if resp.IsError() {
		return nil, &StatusError{
			StatusCode: resp.StatusCode(),
			Status:     resp.Status(),
			Body:       strings.TrimSpace(resp.String()),
		}
	}
	return photos, nil
}

// query translates filters into the provider's query parameters.
func (c *Client) query(filters photo.Filters) map[string]string {
	q := map[string]string{}
	if filters.Orientation != photo.AnyOrientation {
		q["orientation"] = string(filters.Orientation)
	}
	collections := filters.Collections
	if filters.PhotoOfTheDay && c.potd != "" {
		collections = append(append([]string(nil), collections...), c.potd)
	}
	if len(collections) > 0 {
		q["collections"] = strings.Join(photo.Filters{Collections: collections}.Normalize().Collections, ",")
	}
	return q
}

// TrackDownload requests the photo's download location.
func (c *Client) TrackDownload(ctx context.Context, rec photo.Record) error {
	if rec.DownloadLocation == "" {
		return nil
	}
	resp, err := c.http.R().SetContext(ctx).Get(rec.DownloadLocation)
	if err != nil {
		return errors.Wrapf(err, "tracking download of %s", rec.ID)
	}
	if resp.IsError() {
		return errors.Wrapf(&StatusError{
			StatusCode: resp.StatusCode(),
			Status:     resp.Status(),
		}, "tracking download of %s", rec.ID)
	}
	return nil
}

// Stop releases idle connections.
func (c *Client) Stop() {
	if err := c.http.Close(); err != nil {
		c.logger.Log("err", errors.Wrap(err, "closing photo provider client"))
	}
}

type logging struct {
	logger    log.Logger
	transport http.RoundTripper
}

func (t *logging) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.transport.RoundTrip(req)
	if err == nil {
		t.logger.Log("url", req.URL.Path, "status", res.Status)
	} else {
		t.logger.Log("url", req.URL.Path, "err", err.Error())
	}
	return res, err
}

var _ Fetcher = &Client{}
