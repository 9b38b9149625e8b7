package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	pperr "github.com/photopool/photopool/pkg/errors"
	"github.com/photopool/photopool/pkg/unsplash"
)

func NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.NewRoute().Name(RandomPhoto).Methods("GET").Path("/photos/random")
	r.NewRoute().Name(Status).Methods("GET").Path("/status")
	r.NewRoute().Name(Health).Methods("GET").Path("/healthz")
	r.NewRoute().Name(Metrics).Methods("GET").Path("/metrics")

	// Anything else gets a helpful 404.
	r.NewRoute().Name(NotFound).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, MakeAPINotFound(r.URL.Path))
	})
	return r
}

func WriteError(w http.ResponseWriter, r *http.Request, code int, err error) {
	// Clients asking for JSON get the whole error, help and all.
	// Everyone else gets text.
	if len(r.Header.Get("Accept")) > 0 {
		switch negotiateContentType(r, []string{"application/json", "text/plain"}) {
		case "application/json":
			body, encodeErr := json.Marshal(err)
			if encodeErr != nil {
				w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, "Error encoding error response: %s\n\nOriginal error: %s", encodeErr.Error(), err.Error())
				return
			}
			w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "application/json; charset=utf-8")
			w.WriteHeader(code)
			w.Write(body)
			return
		case "text/plain":
			w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
			w.WriteHeader(code)
			var typed *pperr.Error
			if errors.As(err, &typed) {
				fmt.Fprint(w, typed.Help)
				return
			}
			fmt.Fprint(w, err.Error())
			return
		}
	}
	w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprint(w, err.Error())
}

func JSONResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	body, err := json.Marshal(result)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

var statusCodes = map[pperr.Type]int{
	pperr.Missing:  http.StatusNotFound,
	pperr.User:     http.StatusUnprocessableEntity,
	pperr.Upstream: http.StatusBadGateway,
}

func statusCode(err error) int {
	t, _ := pperr.TypeOf(err)
	code, ok := statusCodes[t]
	if !ok {
		return http.StatusInternalServerError
	}
	// Being told to slow down is a temporary condition, unlike the
	// provider being broken.
	if t == pperr.Upstream && unsplash.IsRateLimited(err) {
		return http.StatusServiceUnavailable
	}
	return code
}

func ErrorResponse(w http.ResponseWriter, r *http.Request, apiError error) {
	outErr := asAPIError(apiError)
	WriteError(w, r, statusCode(outErr), outErr)
}
