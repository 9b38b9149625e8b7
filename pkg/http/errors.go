package http

import (
	"github.com/pkg/errors"

	pperr "github.com/photopool/photopool/pkg/errors"
	"github.com/photopool/photopool/pkg/unsplash"
)

func MakeAPINotFound(path string) *pperr.Error {
	return &pperr.Error{
		Type: pperr.Missing,
		Help: `The endpoint requested is not served here.

Photos are served from

    GET /photos/random

and this was the path requested:

    ` + path + `
`,
		Err: errors.New("endpoint not found"),
	}
}

func invalidFilters(err error) *pperr.Error {
	return &pperr.Error{
		Type: pperr.User,
		Help: `The photo filters could not be understood

` + err.Error() + `

orientation may be one of landscape, portrait or squarish;
collections is a comma-separated list of collection IDs; potd and
nocache are true or false.
`,
		Err: err,
	}
}

var errorRateLimited = `The photo provider is refusing requests

We have used up our allowance of requests to the photo provider for
now. Try again later; photos already cached are still being served.
`

var errorUpstream = `The photo provider could not be reached

A request to the photo provider failed. Try again shortly.
`

// asAPIError finds the typed error in err, or makes one up.
func asAPIError(err error) *pperr.Error {
	var outErr *pperr.Error
	if errors.As(err, &outErr) {
		return outErr
	}
	var statusErr *unsplash.StatusError
	if errors.As(err, &statusErr) {
		help := errorUpstream
		if unsplash.IsRateLimited(err) {
			help = errorRateLimited
		}
		return &pperr.Error{Type: pperr.Upstream, Help: help, Err: err}
	}
	return pperr.CoverAllError(err)
}
