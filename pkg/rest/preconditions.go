package rest

import (
	"net/http"
	"strings"

	"github.com/hatrac/hatrac/pkg/core"
)

// quoteETag wraps an opaque state token as a strong entity tag.
func quoteETag(tag string) string {
	return `"` + tag + `"`
}

// etagMatches tests a quoted candidate against an If-(None-)Match header
// value list. The wildcard matches any existing representation.
func etagMatches(header, etag string, exists bool) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			if exists {
				return true
			}
			continue
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		if exists && candidate == etag {
			return true
		}
	}
	return false
}

// checkPreconditions evaluates If-Match / If-None-Match against the current
// resource state. etag is the quoted current tag, empty when the resource
// has no representation. For read requests a matching If-None-Match yields
// notModified; for writes it is a precondition failure.
func checkPreconditions(r *http.Request, etag string, exists bool) (notModified bool, err error) {
	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		if !etagMatches(ifMatch, etag, exists) {
			return false, core.NewError(core.KindPreconditionFailed, "If-Match precondition failed")
		}
	}

	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" {
		if etagMatches(ifNoneMatch, etag, exists) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				return true, nil
			}
			return false, core.NewError(core.KindPreconditionFailed, "If-None-Match precondition failed")
		}
	}

	return false, nil
}
