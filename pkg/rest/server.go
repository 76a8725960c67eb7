// Package rest implements the HTTP request-processing pipeline: routing,
// content negotiation, preconditions, authorization and response
// composition over the directory and storage layers.
package rest

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hatrac/hatrac/pkg/config"
	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/metrics"
	"github.com/hatrac/hatrac/pkg/storage"
	"github.com/hatrac/hatrac/pkg/urlpath"
)

// Server wires the request pipeline together. All fields are set at
// construction and read-only afterwards.
type Server struct {
	cfg       *config.Config
	codec     *urlpath.Codec
	dir       directory.Directory
	backend   storage.Backend
	auth      Authenticator
	logger    *zap.Logger
	metrics   metrics.RESTMetrics
	templates *templateSet
}

// NewServer builds the pipeline from loaded configuration and constructed
// collaborators.
func NewServer(cfg *config.Config, dir directory.Directory, backend storage.Backend, auth Authenticator, logger *zap.Logger) (*Server, error) {
	codec, err := urlpath.NewCodec(cfg.AllowedURLCharClass)
	if err != nil {
		return nil, fmt.Errorf("invalid allowed_url_char_class: %w", err)
	}
	templates, err := newTemplateSet(cfg.ErrorTemplates)
	if err != nil {
		return nil, err
	}
	if auth == nil {
		auth = TrustedHeaderAuthenticator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		codec:     codec,
		dir:       dir,
		backend:   backend,
		auth:      auth,
		logger:    logger,
		metrics:   metrics.NewRESTMetrics(),
		templates: templates,
	}, nil
}

// Router mounts the service under its configured prefix. The hierarchical
// meta-syntax is parsed by the path codec, so a single prefix route catches
// every resource.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.SkipClean(true)
	r.UseEncodedPath()

	prefix := s.cfg.ServicePrefix
	if prefix == "/" {
		r.PathPrefix("/").HandlerFunc(s.dispatch)
		return r
	}
	r.HandleFunc(prefix, s.dispatch)
	r.PathPrefix(prefix + "/").HandlerFunc(s.dispatch)
	return r
}

// dispatch is the single entry point: authenticate, parse the reference,
// route by sub-resource kind, log and account the outcome.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	sw := &statusRecorder{ResponseWriter: w}
	status, resource := s.serve(sw, r)

	elapsed := time.Since(start)
	s.metrics.RecordRequest(r.Method, resource, status, elapsed)
	s.logger.Info("request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("resource", resource),
		zap.Int("status", status),
		zap.Duration("elapsed", elapsed),
		zap.String("client", r.Header.Get(ClientHeader)),
		zap.String("remote", r.RemoteAddr),
	)
}

// serve runs the pipeline and returns the response status plus the resource
// kind label for accounting.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) (int, string) {
	cc, err := s.auth.Authenticate(r)
	if err != nil {
		return s.writeError(w, r, core.Unauthenticatedf("authentication failed")), "auth"
	}

	raw := strings.TrimPrefix(r.URL.EscapedPath(), s.cfg.ServicePrefix)
	if raw == "" {
		raw = "/"
	}

	ref, err := s.codec.Parse(raw)
	if err != nil {
		return s.writeError(w, r, err), "parse"
	}

	var resource string
	switch ref.Sub {
	case urlpath.SubNone:
		resource = "name"
		err = s.serveName(w, r, cc, ref)
	case urlpath.SubVersions:
		resource = "versions"
		err = s.serveVersionList(w, r, cc, ref)
	case urlpath.SubMetadata:
		resource = "metadata"
		err = s.serveMetadata(w, r, cc, ref)
	case urlpath.SubACL:
		resource = "acl"
		err = s.serveACL(w, r, cc, ref)
	case urlpath.SubUpload:
		resource = "upload"
		err = s.serveUpload(w, r, cc, ref)
	}
	if err != nil {
		return s.writeError(w, r, err), resource
	}
	return statusOf(w), resource
}

// statusRecorder sniffing: handlers write through the plain ResponseWriter, so
// the status is tracked via a wrapper installed in dispatch. To keep the
// handler signatures simple the wrapper lives here.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(p)
}

func statusOf(w http.ResponseWriter) int {
	if sr, ok := w.(*statusRecorder); ok && sr.status != 0 {
		return sr.status
	}
	return http.StatusOK
}

// locationFor builds the service-prefixed encoded URL for a name, with an
// optional version qualifier.
func (s *Server) locationFor(name, version string) string {
	prefix := s.cfg.ServicePrefix
	if prefix == "/" {
		prefix = ""
	}
	loc := prefix + s.codec.EncodeName(name)
	if version != "" {
		loc += ":" + s.codec.EncodeSegment(version)
	}
	return loc
}

// uploadLocationFor builds the URL of an upload job.
func (s *Server) uploadLocationFor(name, jobID string) string {
	prefix := s.cfg.ServicePrefix
	if prefix == "/" {
		prefix = ""
	}
	return prefix + s.codec.EncodeName(name) + ";upload/" + s.codec.EncodeSegment(jobID)
}
