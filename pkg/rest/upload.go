package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/storage"
	"github.com/hatrac/hatrac/pkg/urlpath"
)

// maxUploadSpecSize bounds the job-creation JSON payload.
const maxUploadSpecSize = 16 << 10

// uploadSpec is the canonicalized job-creation document. The legacy field
// aliases chunk_bytes, total_bytes and content_md5 are accepted on the wire
// and folded into the canonical fields during decoding.
type uploadSpec struct {
	ChunkLength        int64  `json:"chunk-length"`
	ContentLength      int64  `json:"content-length"`
	ContentType        string `json:"content-type"`
	ContentMD5         string `json:"content-md5"`
	ContentSHA256      string `json:"content-sha256"`
	ContentDisposition string `json:"content-disposition"`

	LegacyChunkBytes int64  `json:"chunk_bytes"`
	LegacyTotalBytes int64  `json:"total_bytes"`
	LegacyContentMD5 string `json:"content_md5"`
}

// canonicalize folds legacy aliases and validates the declaration.
func (spec *uploadSpec) canonicalize() error {
	if spec.ChunkLength == 0 {
		spec.ChunkLength = spec.LegacyChunkBytes
	}
	if spec.ContentLength == 0 {
		spec.ContentLength = spec.LegacyTotalBytes
	}
	if spec.ContentMD5 == "" {
		spec.ContentMD5 = spec.LegacyContentMD5
	}

	if spec.ChunkLength <= 0 {
		return core.BadRequestf("chunk-length must be a positive byte count")
	}
	if spec.ContentLength < 0 {
		return core.BadRequestf("content-length must be a non-negative byte count")
	}
	if spec.ContentMD5 != "" {
		if err := core.ValidateContentMD5(spec.ContentMD5); err != nil {
			return err
		}
	}
	if spec.ContentSHA256 != "" {
		if err := core.ValidateContentSHA256(spec.ContentSHA256); err != nil {
			return err
		}
	}
	if spec.ContentDisposition != "" {
		if err := core.ValidateContentDisposition(spec.ContentDisposition); err != nil {
			return err
		}
	}
	return nil
}

// metadata converts the declared fields into version metadata.
func (spec *uploadSpec) metadata() core.Metadata {
	md := core.Metadata{}
	for field, value := range map[string]string{
		core.FieldContentType:        spec.ContentType,
		core.FieldContentMD5:         spec.ContentMD5,
		core.FieldContentSHA256:      spec.ContentSHA256,
		core.FieldContentDisposition: spec.ContentDisposition,
	} {
		if value != "" {
			md[field] = value
		}
	}
	return md
}

// serveUpload routes the ;upload sub-resource tree.
func (s *Server) serveUpload(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	switch {
	case ref.JobID == "":
		switch r.Method {
		case http.MethodPost:
			return s.createUpload(w, r, cc, ref)
		case http.MethodGet, http.MethodHead:
			return s.listUploads(w, r, cc, ref)
		default:
			return core.NewError(core.KindNoMethod, "method %s not allowed on upload listings", r.Method)
		}
	case !ref.HasChunk:
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			return s.getUpload(w, r, cc, ref)
		case http.MethodPost:
			return s.finalizeUpload(w, r, cc, ref)
		case http.MethodDelete:
			return s.cancelUpload(w, r, cc, ref)
		default:
			return core.NewError(core.KindNoMethod, "method %s not allowed on upload jobs", r.Method)
		}
	default:
		if r.Method != http.MethodPut {
			return core.NewError(core.KindNoMethod, "method %s not allowed on upload chunks", r.Method)
		}
		return s.putChunk(w, r, cc, ref)
	}
}

// createUpload starts a chunked upload job, binding the target object first
// when the name is still undefined.
func (s *Server) createUpload(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	if err := s.cfg.FirewallACLs.Enforce(cc, core.FirewallCreate); err != nil {
		return err
	}
	if ct := requestContentType(r); ct != "" && ct != contentTypeJSON {
		return core.BadRequestf("only application/json input is accepted for upload jobs")
	}

	var spec uploadSpec
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSpecSize+1))
	if err != nil {
		return core.BadRequestf("failed to read upload job body: %v", err)
	}
	if len(raw) > maxUploadSpecSize {
		return core.NewError(core.KindPayloadTooLarge, "upload job body exceeds %d bytes", maxUploadSpecSize)
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return core.BadRequestf("invalid upload job document: %v", err)
	}
	if err := spec.canonicalize(); err != nil {
		return err
	}

	// chunked uploads may define the target object themselves
	if _, err := s.dir.Resolve(r.Context(), ref.Name()); err != nil {
		if !core.IsKind(err, core.KindNotFound) {
			return err
		}
		if err := urlpath.ValidateCreateName(ref.Segments); err != nil {
			return err
		}
		if _, err := s.dir.CreateName(r.Context(), cc, ref.Name(), true, false); err != nil {
			return err
		}
	}

	md := spec.metadata()
	handle, err := s.backend.CreateUpload(r.Context(), ref.Name(), spec.ContentLength, md)
	s.metrics.RecordStorageOp("create_upload", err)
	if err != nil {
		return err
	}

	jobID := storage.NewVersionID()
	job, err := s.dir.CreateUpload(r.Context(), cc, ref.Name(), jobID, handle, spec.ChunkLength, spec.ContentLength, md)
	if err != nil {
		if cancelErr := s.backend.CancelUpload(r.Context(), ref.Name(), handle); cancelErr != nil {
			s.metrics.RecordStorageOp("cancel_upload", cancelErr)
		}
		return err
	}

	location := s.uploadLocationFor(job.Name, job.JobID)
	w.Header().Set("Location", location)
	w.Header().Set("Content-Type", contentTypePlain)
	writeBody(w, r, http.StatusCreated, []byte(location+"\n"))
	return nil
}

// listUploads lists open jobs for the target object.
func (s *Server) listUploads(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	jobs, err := s.dir.ListUploads(r.Context(), cc, ref.Name())
	if err != nil {
		return err
	}
	uris := make([]string, 0, len(jobs))
	for _, job := range jobs {
		uris = append(uris, s.uploadLocationFor(job.Name, job.JobID))
	}
	writeListing(w, r, uris, hashETag(uris...))
	return nil
}

// getUpload reports job status.
func (s *Server) getUpload(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	job, err := s.dir.ResolveUpload(r.Context(), ref.Name(), ref.JobID)
	if err != nil {
		return err
	}
	if err := directory.EnforceUpload(cc, job); err != nil {
		return err
	}

	status := map[string]any{
		"url":            s.uploadLocationFor(job.Name, job.JobID),
		"target":         s.locationFor(job.Name, ""),
		"owner":          job.Owner.Normalize(),
		"chunk-length":   job.ChunkLength,
		"content-length": job.ContentLength,
	}
	body, err := json.Marshal(status)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	writeBody(w, r, http.StatusOK, append(body, '\n'))
	return nil
}

// putChunk streams one chunk into the backend at its declared position.
func (s *Server) putChunk(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	if err := s.cfg.FirewallACLs.Enforce(cc, core.FirewallCreate); err != nil {
		return err
	}

	position, err := strconv.ParseInt(ref.Chunk, 10, 64)
	if err != nil {
		return core.BadRequestf("malformed chunk number %q", ref.Chunk)
	}
	if position < 0 {
		return core.BadRequestf("chunk number must not be negative")
	}

	job, err := s.dir.ResolveUpload(r.Context(), ref.Name(), ref.JobID)
	if err != nil {
		return err
	}
	if err := directory.EnforceUpload(cc, job); err != nil {
		return err
	}

	if position >= job.TotalChunks() {
		return core.Conflictf("chunk %d is beyond the %d declared chunks", position, job.TotalChunks())
	}

	if r.ContentLength < 0 {
		return core.NewError(core.KindLengthRequired, "Content-Length header is required for chunk PUT")
	}
	if want := job.ChunkSize(position); r.ContentLength != want {
		return core.BadRequestf("chunk %d must be %d bytes, got %d", position, want, r.ContentLength)
	}
	if r.ContentLength > s.cfg.MaxRequestPayloadSize {
		return core.NewError(core.KindPayloadTooLarge,
			"chunk of %d bytes exceeds the %d byte limit", r.ContentLength, s.cfg.MaxRequestPayloadSize)
	}

	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestPayloadSize)
	aux, err := s.backend.UploadChunk(r.Context(), job.Name, job.Handle, position, job.ChunkLength, r.ContentLength, body)
	s.metrics.RecordStorageOp("upload_chunk", err)
	if err != nil {
		return err
	}
	if err := s.dir.RecordChunk(r.Context(), job, aux); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// finalizeUpload assembles the chunks into a new visible version.
func (s *Server) finalizeUpload(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	if err := s.cfg.FirewallACLs.Enforce(cc, core.FirewallCreate); err != nil {
		return err
	}

	job, err := s.dir.ResolveUpload(r.Context(), ref.Name(), ref.JobID)
	if err != nil {
		return err
	}
	if err := directory.EnforceUpload(cc, job); err != nil {
		return err
	}

	// every declared chunk must be recorded before assembly
	if int64(len(job.Chunks)) != job.TotalChunks() {
		return core.Conflictf("upload has %d of %d chunks", len(job.Chunks), job.TotalChunks())
	}

	versionID, aux, err := s.backend.FinalizeUpload(r.Context(), job.Name, job.Handle, job.Chunks, job.Metadata)
	s.metrics.RecordStorageOp("finalize_upload", err)
	if err != nil {
		return err
	}

	version, err := s.dir.FinalizeUpload(r.Context(), cc, job, versionID, job.ContentLength, aux)
	if err != nil {
		return err
	}

	location := s.locationFor(version.Name, version.VersionID)
	w.Header().Set("Location", location)
	w.Header().Set("Content-Type", contentTypePlain)
	writeBody(w, r, http.StatusCreated, []byte(location+"\n"))
	return nil
}

// cancelUpload releases the job and its backend reservation.
func (s *Server) cancelUpload(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	if err := s.cfg.FirewallACLs.Enforce(cc, core.FirewallDelete); err != nil {
		return err
	}

	job, err := s.dir.ResolveUpload(r.Context(), ref.Name(), ref.JobID)
	if err != nil {
		return err
	}
	if err := s.dir.CancelUpload(r.Context(), cc, job); err != nil {
		return err
	}

	err = s.backend.CancelUpload(r.Context(), job.Name, job.Handle)
	s.metrics.RecordStorageOp("cancel_upload", err)
	if err != nil {
		s.logger.Warn("failed to cancel backend upload", zap.String("job", job.JobID), zap.Error(err))
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}
