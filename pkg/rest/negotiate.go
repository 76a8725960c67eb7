package rest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Listing content types.
const (
	contentTypeJSON    = "application/json"
	contentTypeURIList = "text/uri-list"
	contentTypePlain   = "text/plain"

	// NamespaceContentType marks a PUT request as namespace creation.
	NamespaceContentType = "application/x-hatrac-namespace"
)

// acceptedTypes parses the Accept header into media types in client order,
// stripping parameters. An empty header accepts anything.
func acceptedTypes(r *http.Request) []string {
	raw := r.Header.Get("Accept")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mt != "" {
			out = append(out, strings.ToLower(mt))
		}
	}
	return out
}

// wantsURIList reports whether the client prefers text/uri-list over the
// default JSON listing form.
func wantsURIList(r *http.Request) bool {
	for _, mt := range acceptedTypes(r) {
		switch mt {
		case contentTypeURIList:
			return true
		case contentTypeJSON, "*/*", "application/*":
			return false
		}
	}
	return false
}

// requestContentType returns the bare media type of the request body.
func requestContentType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	return strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
}

// writeListing renders a name listing as JSON array (default) or uri-list.
func writeListing(w http.ResponseWriter, r *http.Request, uris []string, etag string) {
	var body []byte
	ctype := contentTypeJSON
	if wantsURIList(r) {
		ctype = contentTypeURIList
		body = []byte(strings.Join(uris, "\r\n") + "\r\n")
	} else {
		body, _ = json.Marshal(uris)
		body = append(body, '\n')
	}

	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	w.Header().Set("Content-Type", ctype)
	writeBody(w, r, http.StatusOK, body)
}

// writeBody writes the response body, omitting it for HEAD.
func writeBody(w http.ResponseWriter, r *http.Request, status int, body []byte) {
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		w.Write(body)
	}
}

// hashETag derives a quoted entity tag from arbitrary state, used for ACL
// and metadata collections that have no version id of their own.
func hashETag(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return quoteETag(base64.RawURLEncoding.EncodeToString(h.Sum(nil))[:24])
}

// sortedKeys returns the sorted keys of a string map.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
