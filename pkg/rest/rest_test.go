package rest_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hatrac/hatrac/pkg/config"
	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/directory/memory"
	"github.com/hatrac/hatrac/pkg/rest"
	"github.com/hatrac/hatrac/pkg/storage/filesystem"
	"github.com/hatrac/hatrac/pkg/urlpath"
)

type testEnv struct {
	ts  *httptest.Server
	dir *memory.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		ServicePrefix:         "/hatrac",
		ListenAddr:            ":0",
		ShutdownTimeout:       time.Second,
		DatabaseType:          "memory",
		AllowedURLCharClass:   urlpath.DefaultCharClass,
		MaxRequestPayloadSize: 128 << 20,
		StorageBackend:        "filesystem",
		StoragePath:           t.TempDir(),
		FirewallACLs: core.FirewallACLs{
			Create:         core.ACL{core.ACLWildcard},
			Delete:         core.ACL{core.ACLWildcard},
			ManageACLs:     core.ACL{core.ACLWildcard},
			ManageMetadata: core.ACL{core.ACLWildcard},
		},
	}

	dir := memory.New()
	if err := dir.Deploy(context.Background(), []string{"admin"}); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	backend, err := filesystem.New(cfg.StoragePath)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	server, err := rest.NewServer(cfg, dir, backend, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, dir: dir}
}

// request performs one HTTP request as the given client identity.
func (e *testEnv) request(t *testing.T, client, method, path string, headers map[string]string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.ContentLength = int64(len(body))
	}
	if client != "" {
		req.Header.Set(rest.ClientHeader, client)
		req.Header.Set(rest.AttributesHeader, client)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) admin(t *testing.T, method, path string, headers map[string]string, body []byte) *http.Response {
	return e.request(t, "admin", method, path, headers, body)
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status = %d, want %d (body %q)",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, raw)
	}
	resp.Body.Close()
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return raw
}

const helloBody = "hello, world!\n"

var (
	helloMD5    = b64md5([]byte(helloBody))
	helloSHA256 = b64sha256([]byte(helloBody))
)

func b64md5(b []byte) string {
	sum := md5.Sum(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func b64sha256(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func nsType() map[string]string {
	return map[string]string{"Content-Type": "application/x-hatrac-namespace"}
}

// putHello uploads the canonical test object and returns its versioned path.
func (e *testEnv) putHello(t *testing.T, path string) string {
	t.Helper()
	resp := e.admin(t, http.MethodPut, path, map[string]string{
		"Content-Type":   "text/plain",
		"Content-MD5":    helloMD5,
		"Content-SHA256": helloSHA256,
	}, []byte(helloBody))
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("PUT %s: status %d (%q)", path, resp.StatusCode, raw)
	}
	location := resp.Header.Get("Location")
	resp.Body.Close()
	if location == "" {
		t.Fatalf("PUT %s: missing Location", path)
	}
	return location
}

func TestNamespaceLifecycle(t *testing.T) {
	e := newTestEnv(t)

	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns-X", nsType(), nil), http.StatusCreated)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns-X", nsType(), nil), http.StatusConflict)
	wantStatus(t, e.admin(t, http.MethodDelete, "/hatrac/ns-X", nil, nil), http.StatusNoContent)
	// deleted names resolve NotFound
	wantStatus(t, e.admin(t, http.MethodGet, "/hatrac/ns-X", nil, nil), http.StatusNotFound)
	// restoration of the same kind is supported
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns-X", nsType(), nil), http.StatusCreated)
	// the other kind remains refused forever
	wantStatus(t, e.admin(t, http.MethodDelete, "/hatrac/ns-X", nil, nil), http.StatusNoContent)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns-X", nil, []byte("x")), http.StatusConflict)
}

func TestNamespaceListing(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)
	e.putHello(t, "/hatrac/ns/obj1")
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns/sub", nsType(), nil), http.StatusCreated)

	resp := e.admin(t, http.MethodGet, "/hatrac/ns", nil, nil)
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("listing content type = %q", got)
	}
	var names []string
	if err := json.Unmarshal(readBody(t, resp), &names); err != nil {
		t.Fatalf("listing decode: %v", err)
	}
	if len(names) != 2 || names[0] != "/hatrac/ns/obj1" || names[1] != "/hatrac/ns/sub" {
		t.Errorf("listing = %v", names)
	}

	resp = e.admin(t, http.MethodGet, "/hatrac/ns", map[string]string{"Accept": "text/uri-list"}, nil)
	if got := resp.Header.Get("Content-Type"); got != "text/uri-list" {
		t.Errorf("uri-list content type = %q", got)
	}
	if body := string(readBody(t, resp)); !strings.Contains(body, "/hatrac/ns/obj1\r\n") {
		t.Errorf("uri-list body = %q", body)
	}

	// HEAD mirrors GET without a body
	resp = e.admin(t, http.MethodHead, "/hatrac/ns", nil, nil)
	if body := readBody(t, resp); len(body) != 0 {
		t.Errorf("HEAD body = %q", body)
	}
}

func TestNonEmptyNamespaceDelete(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)
	e.putHello(t, "/hatrac/ns/obj1")
	wantStatus(t, e.admin(t, http.MethodDelete, "/hatrac/ns", nil, nil), http.StatusConflict)
}

func TestParentsOption(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/a/b/c", nsType(), nil), http.StatusConflict)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/a/b/c?parents=true", nsType(), nil), http.StatusCreated)
	wantStatus(t, e.admin(t, http.MethodGet, "/hatrac/a/b", nil, nil), http.StatusOK)
}

func TestObjectRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns-X", nsType(), nil), http.StatusCreated)
	location := e.putHello(t, "/hatrac/ns-X/obj1")

	if !strings.HasPrefix(location, "/hatrac/ns-X/obj1:") {
		t.Fatalf("Location = %q", location)
	}

	// GET the bare object streams the current version
	resp := e.admin(t, http.MethodGet, "/hatrac/ns-X/obj1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-MD5"); got != helloMD5 {
		t.Errorf("Content-MD5 = %q, want %q", got, helloMD5)
	}
	if got := resp.Header.Get("Content-SHA256"); got != helloSHA256 {
		t.Errorf("Content-SHA256 = %q, want %q", got, helloSHA256)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q", got)
	}
	if body := string(readBody(t, resp)); body != helloBody {
		t.Errorf("body = %q", body)
	}

	// GET the versioned reference directly
	wantStatus(t, e.admin(t, http.MethodGet, location, nil, nil), http.StatusOK)
}

func TestObjectPutRejectsBadDigest(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)

	// malformed base64
	resp := e.admin(t, http.MethodPut, "/hatrac/ns/obj", map[string]string{
		"Content-MD5": "not-base64!!",
	}, []byte(helloBody))
	wantStatus(t, resp, http.StatusBadRequest)

	// well-formed digest of different content
	resp = e.admin(t, http.MethodPut, "/hatrac/ns/obj", map[string]string{
		"Content-MD5": b64md5([]byte("something else")),
	}, []byte(helloBody))
	wantStatus(t, resp, http.StatusBadRequest)
}

func TestObjectPutRejectsBadDisposition(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)

	for _, cd := range []string{
		"attachment; filename=x.txt",
		"filename*=UTF-8''sub%2Fdir",
		"filename*=UTF-8''",
	} {
		resp := e.admin(t, http.MethodPut, "/hatrac/ns/obj", map[string]string{
			"Content-Disposition": cd,
		}, []byte(helloBody))
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("disposition %q accepted with status %d", cd, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := e.admin(t, http.MethodPut, "/hatrac/ns/obj", map[string]string{
		"Content-Disposition": "filename*=UTF-8''report%20final.txt",
	}, []byte(helloBody))
	wantStatus(t, resp, http.StatusCreated)
}

func TestRangeRequests(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns-X", nsType(), nil), http.StatusCreated)
	e.putHello(t, "/hatrac/ns-X/obj1")

	// bytes=5-10 -> ", worl"
	resp := e.admin(t, http.MethodGet, "/hatrac/ns-X/obj1", map[string]string{"Range": "bytes=5-10"}, nil)
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("range status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Length"); got != "6" {
		t.Errorf("Content-Length = %q", got)
	}
	if got := resp.Header.Get("Content-Range"); got != fmt.Sprintf("bytes 5-10/%d", len(helloBody)) {
		t.Errorf("Content-Range = %q", got)
	}
	if body := string(readBody(t, resp)); body != ", worl" {
		t.Errorf("range body = %q", body)
	}

	// suffix form: last 4 bytes
	resp = e.admin(t, http.MethodGet, "/hatrac/ns-X/obj1", map[string]string{"Range": "bytes=-4"}, nil)
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("suffix range status = %d", resp.StatusCode)
	}
	if body := string(readBody(t, resp)); body != "ld!\n" {
		t.Errorf("suffix body = %q", body)
	}

	// beyond the extent
	wantStatus(t, e.admin(t, http.MethodGet, "/hatrac/ns-X/obj1",
		map[string]string{"Range": "bytes=900000-"}, nil), http.StatusRequestedRangeNotSatisfiable)

	// multi-range is not implemented
	wantStatus(t, e.admin(t, http.MethodGet, "/hatrac/ns-X/obj1",
		map[string]string{"Range": "bytes=1-2,3-5"}, nil), http.StatusNotImplemented)

	// syntactically invalid ranges fall back to the full content
	resp = e.admin(t, http.MethodGet, "/hatrac/ns-X/obj1", map[string]string{"Range": "bytes=oops"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invalid range status = %d", resp.StatusCode)
	}
	if body := string(readBody(t, resp)); body != helloBody {
		t.Errorf("invalid-range body = %q", body)
	}
}

func TestConditionalRequests(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns-X", nsType(), nil), http.StatusCreated)
	v1 := e.putHello(t, "/hatrac/ns-X/obj1")

	resp := e.admin(t, http.MethodGet, "/hatrac/ns-X/obj1", nil, nil)
	etag := resp.Header.Get("ETag")
	resp.Body.Close()
	if etag == "" {
		t.Fatal("missing ETag")
	}

	// GET with matching If-None-Match yields 304
	wantStatus(t, e.admin(t, http.MethodGet, "/hatrac/ns-X/obj1",
		map[string]string{"If-None-Match": etag}, nil), http.StatusNotModified)

	// wrong If-Match on PUT yields 412
	resp = e.admin(t, http.MethodPut, "/hatrac/ns-X/obj1",
		map[string]string{"If-Match": `"wrongetag"`}, []byte("v2 content"))
	wantStatus(t, resp, http.StatusPreconditionFailed)

	// correct If-Match creates the next version
	resp = e.admin(t, http.MethodPut, "/hatrac/ns-X/obj1",
		map[string]string{"If-Match": etag}, []byte("v2 content"))
	wantStatus(t, resp, http.StatusCreated)

	// the old version deletes under its own ETag
	wantStatus(t, e.admin(t, http.MethodDelete, v1,
		map[string]string{"If-Match": etag}, nil), http.StatusNoContent)

	// If-None-Match: * on PUT requires absence of a current version
	resp = e.admin(t, http.MethodPut, "/hatrac/ns-X/obj1",
		map[string]string{"If-None-Match": "*"}, []byte("v3"))
	wantStatus(t, resp, http.StatusPreconditionFailed)
}

func TestVersionDeleteAdvancesCurrent(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)
	e.putHello(t, "/hatrac/ns/obj")
	resp := e.admin(t, http.MethodPut, "/hatrac/ns/obj", nil, []byte("second"))
	v2 := resp.Header.Get("Location")
	wantStatus(t, resp, http.StatusCreated)

	// deleting the current version falls back to the previous one
	wantStatus(t, e.admin(t, http.MethodDelete, v2, nil, nil), http.StatusNoContent)
	resp = e.admin(t, http.MethodGet, "/hatrac/ns/obj", nil, nil)
	if body := string(readBody(t, resp)); body != helloBody {
		t.Errorf("current after delete = %q", body)
	}

	// deleting every remaining version leaves a contentless object
	resp = e.admin(t, http.MethodGet, "/hatrac/ns/obj;versions", nil, nil)
	var versions []string
	if err := json.Unmarshal(readBody(t, resp), &versions); err != nil {
		t.Fatalf("versions decode: %v", err)
	}
	for _, v := range versions {
		wantStatus(t, e.admin(t, http.MethodDelete, v, nil, nil), http.StatusNoContent)
	}
	wantStatus(t, e.admin(t, http.MethodGet, "/hatrac/ns/obj", nil, nil), http.StatusConflict)

	// a new PUT revives the current pointer
	e.putHello(t, "/hatrac/ns/obj")
	wantStatus(t, e.admin(t, http.MethodGet, "/hatrac/ns/obj", nil, nil), http.StatusOK)
}

func TestChunkedUploadLifecycle(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns-X", nsType(), nil), http.StatusCreated)

	body := []byte(helloBody) // 14 bytes, chunk-length 5 -> chunks of 5,5,4
	spec := fmt.Sprintf(`{"chunk-length": 5, "content-length": %d, "content-md5": %q}`, len(body), helloMD5)

	resp := e.admin(t, http.MethodPost, "/hatrac/ns-X/obj2;upload",
		map[string]string{"Content-Type": "application/json"}, []byte(spec))
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("job create status = %d (%q)", resp.StatusCode, raw)
	}
	job := resp.Header.Get("Location")
	resp.Body.Close()

	// job listing shows the open job
	resp = e.admin(t, http.MethodGet, "/hatrac/ns-X/obj2;upload", nil, nil)
	var jobs []string
	if err := json.Unmarshal(readBody(t, resp), &jobs); err != nil {
		t.Fatalf("job list decode: %v", err)
	}
	if len(jobs) != 1 || jobs[0] != job {
		t.Errorf("job list = %v, want [%s]", jobs, job)
	}

	// out-of-range and negative chunk numbers
	wantStatus(t, e.admin(t, http.MethodPut, job+"/3", nil, []byte("xxxxx")), http.StatusConflict)
	wantStatus(t, e.admin(t, http.MethodPut, job+"/-1", nil, []byte("xxxxx")), http.StatusBadRequest)

	for i, chunk := range [][]byte{body[0:5], body[5:10], body[10:14]} {
		wantStatus(t, e.admin(t, http.MethodPut, fmt.Sprintf("%s/%d", job, i), nil, chunk), http.StatusNoContent)
	}

	resp = e.admin(t, http.MethodPost, job, nil, nil)
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("finalize status = %d (%q)", resp.StatusCode, raw)
	}
	versioned := resp.Header.Get("Location")
	resp.Body.Close()

	resp = e.admin(t, http.MethodGet, versioned, nil, nil)
	got := readBody(t, resp)
	if !bytes.Equal(got, body) {
		t.Errorf("assembled content = %q", got)
	}
	if gotMD5 := b64md5(got); gotMD5 != helloMD5 {
		t.Errorf("assembled md5 = %s", gotMD5)
	}

	// a second finalize of the same job is gone
	wantStatus(t, e.admin(t, http.MethodPost, job, nil, nil), http.StatusNotFound)
}

func TestChunkedUploadValidation(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)

	// zero chunk-length is refused
	resp := e.admin(t, http.MethodPost, "/hatrac/ns/obj;upload",
		map[string]string{"Content-Type": "application/json"},
		[]byte(`{"chunk-length": 0, "content-length": 10}`))
	wantStatus(t, resp, http.StatusBadRequest)

	// legacy aliases are accepted
	resp = e.admin(t, http.MethodPost, "/hatrac/ns/obj;upload",
		map[string]string{"Content-Type": "application/json"},
		[]byte(`{"chunk_bytes": 5, "total_bytes": 10}`))
	wantStatus(t, resp, http.StatusCreated)

	// incomplete jobs refuse to finalize
	resp = e.admin(t, http.MethodGet, "/hatrac/ns/obj;upload", nil, nil)
	var jobs []string
	json.Unmarshal(readBody(t, resp), &jobs)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %v", jobs)
	}
	wantStatus(t, e.admin(t, http.MethodPost, jobs[0], nil, nil), http.StatusConflict)

	// cancel releases the job
	wantStatus(t, e.admin(t, http.MethodDelete, jobs[0], nil, nil), http.StatusNoContent)
	wantStatus(t, e.admin(t, http.MethodGet, jobs[0], nil, nil), http.StatusNotFound)
}

func TestUploadJobCancelledByObjectDelete(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)
	e.putHello(t, "/hatrac/ns/obj")

	resp := e.admin(t, http.MethodPost, "/hatrac/ns/obj;upload",
		map[string]string{"Content-Type": "application/json"},
		[]byte(`{"chunk-length": 5, "content-length": 10}`))
	job := resp.Header.Get("Location")
	wantStatus(t, resp, http.StatusCreated)

	wantStatus(t, e.admin(t, http.MethodDelete, "/hatrac/ns/obj", nil, nil), http.StatusNoContent)
	wantStatus(t, e.admin(t, http.MethodGet, job, nil, nil), http.StatusNotFound)
}

func TestMetadataSubresource(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)
	e.putHello(t, "/hatrac/ns/obj")

	// collection is byte-identical to what was supplied at creation
	resp := e.admin(t, http.MethodGet, "/hatrac/ns/obj;metadata", nil, nil)
	var md map[string]string
	if err := json.Unmarshal(readBody(t, resp), &md); err != nil {
		t.Fatalf("metadata decode: %v", err)
	}
	if md["content-md5"] != helloMD5 || md["content-sha256"] != helloSHA256 {
		t.Errorf("metadata = %v", md)
	}

	// single field reads back as text
	resp = e.admin(t, http.MethodGet, "/hatrac/ns/obj;metadata/content-md5", nil, nil)
	if got := strings.TrimSpace(string(readBody(t, resp))); got != helloMD5 {
		t.Errorf("field value = %q", got)
	}

	// digest fields are immutable once set
	resp = e.admin(t, http.MethodPut, "/hatrac/ns/obj;metadata/content-md5",
		map[string]string{"Content-Type": "text/plain"},
		[]byte(b64md5([]byte("other"))))
	wantStatus(t, resp, http.StatusConflict)

	// mutable fields rewrite freely
	resp = e.admin(t, http.MethodPut, "/hatrac/ns/obj;metadata/content-type",
		map[string]string{"Content-Type": "text/plain"}, []byte("application/json"))
	wantStatus(t, resp, http.StatusNoContent)
	resp = e.admin(t, http.MethodGet, "/hatrac/ns/obj;metadata/content-type", nil, nil)
	if got := strings.TrimSpace(string(readBody(t, resp))); got != "application/json" {
		t.Errorf("rewritten content-type = %q", got)
	}

	// DELETE clears a mutable field
	wantStatus(t, e.admin(t, http.MethodDelete, "/hatrac/ns/obj;metadata/content-type", nil, nil), http.StatusNoContent)
	wantStatus(t, e.admin(t, http.MethodGet, "/hatrac/ns/obj;metadata/content-type", nil, nil), http.StatusNotFound)

	// namespaces have no metadata sub-resource
	wantStatus(t, e.admin(t, http.MethodGet, "/hatrac/ns;metadata", nil, nil), http.StatusNotFound)
}

func TestACLSubresource(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)
	e.putHello(t, "/hatrac/ns/obj1")

	// stripping every owner is refused
	resp := e.admin(t, http.MethodPut, "/hatrac/ns/obj1;acl/owner",
		map[string]string{"Content-Type": "application/json"}, []byte("[]"))
	wantStatus(t, resp, http.StatusBadRequest)

	// fetch the ACL ETag for a conditional replace
	resp = e.admin(t, http.MethodGet, "/hatrac/ns/obj1;acl", nil, nil)
	etag := resp.Header.Get("ETag")
	resp.Body.Close()

	resp = e.admin(t, http.MethodPut, "/hatrac/ns/obj1;acl/owner",
		map[string]string{"Content-Type": "application/json", "If-Match": etag},
		[]byte(`["R1","R2"]`))
	wantStatus(t, resp, http.StatusNoContent)

	// the new owners read it back
	resp = e.request(t, "R1", http.MethodGet, "/hatrac/ns/obj1;acl/owner", nil, nil)
	var owners []string
	if err := json.Unmarshal(readBody(t, resp), &owners); err != nil {
		t.Fatalf("acl decode: %v", err)
	}
	if len(owners) != 2 || owners[0] != "R1" || owners[1] != "R2" {
		t.Errorf("owners = %v", owners)
	}

	// admin keeps access through root-namespace ownership, but an
	// unrelated client has none
	wantStatus(t, e.admin(t, http.MethodGet, "/hatrac/ns/obj1;acl/owner", nil, nil), http.StatusOK)
	wantStatus(t, e.request(t, "mallory", http.MethodGet, "/hatrac/ns/obj1;acl/owner", nil, nil), http.StatusForbidden)

	// single-entry flows
	wantStatus(t, e.request(t, "R1", http.MethodDelete, "/hatrac/ns/obj1;acl/owner/R2", nil, nil), http.StatusNoContent)
	wantStatus(t, e.request(t, "R1", http.MethodGet, "/hatrac/ns/obj1;acl/owner/R2", nil, nil), http.StatusNotFound)
	wantStatus(t, e.request(t, "R1", http.MethodPut, "/hatrac/ns/obj1;acl/owner/R3", nil, nil), http.StatusNoContent)
	resp = e.request(t, "R1", http.MethodGet, "/hatrac/ns/obj1;acl/owner/R3", nil, nil)
	if got := strings.TrimSpace(string(readBody(t, resp))); got != "R3" {
		t.Errorf("entry body = %q", got)
	}

	// bogus access names are refused
	wantStatus(t, e.request(t, "R1", http.MethodGet, "/hatrac/ns/obj1;acl/bogus", nil, nil), http.StatusBadRequest)
}

func TestAuthorizationCascade(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)
	e.putHello(t, "/hatrac/ns/obj")

	// an unrelated client cannot read
	wantStatus(t, e.request(t, "mallory", http.MethodGet, "/hatrac/ns/obj", nil, nil), http.StatusForbidden)
	// anonymous clients get a 401 instead
	wantStatus(t, e.request(t, "", http.MethodGet, "/hatrac/ns/obj", nil, nil), http.StatusUnauthorized)

	// subtree-read on the namespace cascades to versions
	resp := e.admin(t, http.MethodPut, "/hatrac/ns;acl/subtree-read",
		map[string]string{"Content-Type": "application/json"}, []byte(`["mallory"]`))
	wantStatus(t, resp, http.StatusNoContent)
	wantStatus(t, e.request(t, "mallory", http.MethodGet, "/hatrac/ns/obj", nil, nil), http.StatusOK)

	// ...but grants no write access
	resp = e.request(t, "mallory", http.MethodPut, "/hatrac/ns/obj", nil, []byte("nope"))
	wantStatus(t, resp, http.StatusForbidden)
}

// findVersion digs a version row out of the directory by object name.
func (e *testEnv) findVersion(t *testing.T, name string) *directory.Version {
	t.Helper()
	var found *directory.Version
	err := e.dir.WalkVersions(context.Background(), func(v *directory.Version) error {
		if v.Name == name {
			found = v
		}
		return nil
	})
	if err != nil || found == nil {
		t.Fatalf("version for %s not found (%v)", name, err)
	}
	return found
}

func TestAuxRenameToServesTarget(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)
	target := e.putHello(t, "/hatrac/ns/target")
	source := e.putHello(t, "/hatrac/ns/source")
	targetVersion := strings.TrimPrefix(target, "/hatrac/ns/target:")

	src := e.findVersion(t, "/ns/source")
	if err := e.dir.SetVersionAux(context.Background(), src.ID, core.Aux{
		RenameTo: []string{"/ns/target", targetVersion},
	}); err != nil {
		t.Fatalf("SetVersionAux failed: %v", err)
	}

	// the source serves the target's bytes with a Content-Location
	resp := e.admin(t, http.MethodGet, source, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename GET status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Location"); got != target {
		t.Errorf("Content-Location = %q, want %q", got, target)
	}
	if body := string(readBody(t, resp)); body != helloBody {
		t.Errorf("rename body = %q", body)
	}

	// deleting the source must not remove the target's storage
	wantStatus(t, e.admin(t, http.MethodDelete, source, nil, nil), http.StatusNoContent)
	resp = e.admin(t, http.MethodGet, target, nil, nil)
	if body := string(readBody(t, resp)); body != helloBody {
		t.Errorf("target body after source delete = %q", body)
	}
}

func TestAuxRenameToDeletedTargetConflicts(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)
	target := e.putHello(t, "/hatrac/ns/target")
	source := e.putHello(t, "/hatrac/ns/source")
	targetVersion := strings.TrimPrefix(target, "/hatrac/ns/target:")

	src := e.findVersion(t, "/ns/source")
	if err := e.dir.SetVersionAux(context.Background(), src.ID, core.Aux{
		RenameTo: []string{"/ns/target", targetVersion},
	}); err != nil {
		t.Fatalf("SetVersionAux failed: %v", err)
	}

	wantStatus(t, e.admin(t, http.MethodDelete, target, nil, nil), http.StatusNoContent)
	// the source row survives for metadata but its content is gone
	wantStatus(t, e.admin(t, http.MethodGet, source, nil, nil), http.StatusConflict)
	wantStatus(t, e.admin(t, http.MethodGet, "/hatrac/ns/source;metadata", nil, nil), http.StatusOK)
}

func TestAuxURLRedirects(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)
	linked := e.putHello(t, "/hatrac/ns/linked")

	v := e.findVersion(t, "/ns/linked")
	remote := "https://peer.example.org/hatrac/ns/linked:" + v.VersionID
	if err := e.dir.SetVersionAux(context.Background(), v.ID, core.Aux{URL: remote}); err != nil {
		t.Fatalf("SetVersionAux failed: %v", err)
	}

	resp := e.admin(t, http.MethodGet, linked, nil, nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("redirect status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != remote {
		t.Errorf("Location = %q, want %q", got, remote)
	}
	resp.Body.Close()
}

func TestPercentEncodedNames(t *testing.T) {
	e := newTestEnv(t)
	wantStatus(t, e.admin(t, http.MethodPut, "/hatrac/ns", nsType(), nil), http.StatusCreated)
	location := e.putHello(t, "/hatrac/ns/caf%C3%A9%20menu")

	resp := e.admin(t, http.MethodGet, "/hatrac/ns/caf%C3%A9%20menu", nil, nil)
	if body := string(readBody(t, resp)); body != helloBody {
		t.Errorf("decoded-name body = %q", body)
	}
	wantStatus(t, e.admin(t, http.MethodGet, location, nil, nil), http.StatusOK)
}

func TestErrorTemplates(t *testing.T) {
	cfgTemplates := map[string]any{
		"404": map[string]any{
			"text/html": "<h1>{{.Title}}</h1>",
			"default":   "{{.Code}}: {{.Description}}",
		},
	}

	cfg := &config.Config{
		ServicePrefix:         "/hatrac",
		ListenAddr:            ":0",
		ShutdownTimeout:       time.Second,
		DatabaseType:          "memory",
		AllowedURLCharClass:   urlpath.DefaultCharClass,
		MaxRequestPayloadSize: 128 << 20,
		StorageBackend:        "filesystem",
		StoragePath:           t.TempDir(),
		FirewallACLs:          core.FirewallACLs{Create: core.ACL{"*"}, Delete: core.ACL{"*"}, ManageACLs: core.ACL{"*"}, ManageMetadata: core.ACL{"*"}},
		ErrorTemplates:        cfgTemplates,
	}
	dir := memory.New()
	if err := dir.Deploy(context.Background(), []string{"admin"}); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	backend, _ := filesystem.New(cfg.StoragePath)
	server, err := rest.NewServer(cfg, dir, backend, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/hatrac/missing", nil)
	req.Header.Set("Accept", "text/html")
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != "<h1>Not Found</h1>" {
		t.Errorf("templated body = %q", body)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/html" {
		t.Errorf("content type = %q", got)
	}
}
