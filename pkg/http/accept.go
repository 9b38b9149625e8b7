package http

import (
	"net/http"
	"sort"

	"github.com/golang/gddo/httputil/header"
)

// negotiateContentType picks a content type based on the Accept
// header from a request, and a supplied list of available content
// types in order of preference. Among the acceptable types, the one
// with the highest quality (`q`) parameter wins, and ties go to the
// earlier preference. With no Accept header, you get the first
// preference; with no acceptable type, you get "".
func negotiateContentType(r *http.Request, orderedPref []string) string {
	specs := header.ParseAccept(r.Header, "Accept")
	if len(specs) == 0 {
		return orderedPref[0]
	}

	var acceptable []header.AcceptSpec
	for _, spec := range specs {
		if indexOf(orderedPref, spec.Value) < len(orderedPref) {
			acceptable = append(acceptable, spec)
		}
	}
	if len(acceptable) == 0 {
		return ""
	}
	sort.SliceStable(acceptable, func(i, j int) bool {
		if acceptable[i].Q != acceptable[j].Q {
			return acceptable[i].Q > acceptable[j].Q
		}
		return indexOf(orderedPref, acceptable[i].Value) < indexOf(orderedPref, acceptable[j].Value)
	})
	return acceptable[0].Value
}

// indexOf returns len(ss) when search is absent, so that absent
// entries sort after present ones.
func indexOf(ss []string, search string) int {
	for i, s := range ss {
		if s == search {
			return i
		}
	}
	return len(ss)
}
