package photo

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultPartition is the partition key used when no filter differs
// from its default.
const DefaultPartition = "default"

var (
	ErrInvalidOrientation = errors.New(`orientation must be one of "landscape", "portrait" or "squarish"`)
	ErrInvalidCollection  = errors.New("collection IDs must be non-empty")
	ErrInvalidPOTD        = errors.New("potd must be a boolean")
)

// IsInvalidFilter reports whether err came from rejecting a filter
// parameter.
func IsInvalidFilter(err error) bool {
	switch errors.Cause(err) {
	case ErrInvalidOrientation, ErrInvalidCollection, ErrInvalidPOTD:
		return true
	}
	return false
}

// Orientation restricts the aspect of the photos served. The zero
// value means any orientation.
type Orientation string

const (
	AnyOrientation Orientation = ""
	Landscape      Orientation = "landscape"
	Portrait       Orientation = "portrait"
	Squarish       Orientation = "squarish"
)

func ParseOrientation(s string) (Orientation, error) {
	switch o := Orientation(strings.ToLower(strings.TrimSpace(s))); o {
	case AnyOrientation, Landscape, Portrait, Squarish:
		return o, nil
	default:
		return AnyOrientation, errors.Wrapf(ErrInvalidOrientation, "parsing %q", s)
	}
}

// Filters are the request parameters that change which photos are
// eligible to be served. Anything that only changes how a photo is
// presented (size, format) is not a filter, since it must not split
// the cache.
type Filters struct {
	Orientation   Orientation
	Collections   []string
	PhotoOfTheDay bool
}

// Normalize returns a copy of the filters with collections
// de-duplicated and sorted, so that equivalent requests compare equal.
func (f Filters) Normalize() Filters {
	out := Filters{Orientation: f.Orientation, PhotoOfTheDay: f.PhotoOfTheDay}
	if len(f.Collections) == 0 {
		return out
	}
	seen := map[string]struct{}{}
	for _, c := range f.Collections {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out.Collections = append(out.Collections, c)
	}
	sort.Strings(out.Collections)
	return out
}

// Key derives the partition key for the filters. Fields at their
// default value are left out and the rest are joined as field=value
// pairs in field name order, so two requests with the same effective
// filters always land in the same partition.
func (f Filters) Key() string {
	n := f.Normalize()
	var pairs []string
	if len(n.Collections) > 0 {
		pairs = append(pairs, "collections="+strings.Join(n.Collections, ","))
	}
	if n.Orientation != AnyOrientation {
		pairs = append(pairs, "orientation="+string(n.Orientation))
	}
	if n.PhotoOfTheDay {
		pairs = append(pairs, "potd=true")
	}
	if len(pairs) == 0 {
		return DefaultPartition
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

func (f Filters) String() string {
	return f.Key()
}

// ParseFilters reads filters from query parameters. Unknown
// parameters are ignored; they belong to the presentation layer.
func ParseFilters(q url.Values) (Filters, error) {
	var f Filters
	o, err := ParseOrientation(q.Get("orientation"))
	if err != nil {
		return Filters{}, err
	}
	f.Orientation = o

	for _, v := range q["collections"] {
		for _, c := range strings.Split(v, ",") {
			c = strings.TrimSpace(c)
			if c == "" {
				return Filters{}, errors.Wrapf(ErrInvalidCollection, "parsing %q", v)
			}
			f.Collections = append(f.Collections, c)
		}
	}

	if s := q.Get("potd"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Filters{}, errors.Wrapf(ErrInvalidPOTD, "parsing %q", s)
		}
		f.PhotoOfTheDay = b
	}
	return f.Normalize(), nil
}

// Record is the part of an upstream photo we keep in the cache and
// hand back to callers.
type Record struct {
	ID               string   `json:"id"`
	URLs             URLs     `json:"urls"`
	Creator          Creator  `json:"creator"`
	Width            int      `json:"width"`
	Height           int      `json:"height"`
	Description      string   `json:"description,omitempty"`
	Collections      []string `json:"collections,omitempty"`
	DownloadLocation string   `json:"downloadLocation,omitempty"`
}

// URLs are the size variants of a photo.
type URLs struct {
	Raw     string `json:"raw,omitempty"`
	Full    string `json:"full,omitempty"`
	Regular string `json:"regular,omitempty"`
	Small   string `json:"small,omitempty"`
	Thumb   string `json:"thumb,omitempty"`
}

// Creator is the photographer a photo is attributed to.
type Creator struct {
	Name       string `json:"name"`
	ProfileURL string `json:"profileUrl,omitempty"`
}
