package rest

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/storage"
	"github.com/hatrac/hatrac/pkg/urlpath"
)

// renameHopLimit bounds rename_to chain traversal; the chain is a DAG by
// construction but a defensive limit turns config mistakes into errors
// instead of loops.
const renameHopLimit = 8

// serveName handles bare and version-qualified names.
func (s *Server) serveName(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if ref.Version != "" {
			return s.getVersion(w, r, cc, ref)
		}
		return s.getName(w, r, cc, ref)
	case http.MethodPut:
		if ref.Version != "" {
			return core.NewError(core.KindNoMethod, "version-qualified names do not support PUT requests")
		}
		return s.putName(w, r, cc, ref)
	case http.MethodDelete:
		if ref.Version != "" {
			return s.deleteVersion(w, r, cc, ref)
		}
		return s.deleteName(w, r, cc, ref)
	default:
		return core.NewError(core.KindNoMethod, "method %s not allowed on %s", r.Method, ref.Name())
	}
}

// getName serves a namespace listing or the current version of an object.
func (s *Server) getName(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	entry, err := s.dir.Resolve(r.Context(), ref.Name())
	if err != nil {
		return err
	}

	if !entry.IsObject {
		children, err := s.dir.EnumerateChildren(r.Context(), cc, entry.Name)
		if err != nil {
			return err
		}
		uris := make([]string, 0, len(children))
		for _, child := range children {
			uris = append(uris, s.locationFor(child.Name, ""))
		}
		etag := hashETag(uris...)
		if notModified, err := checkPreconditions(r, etag, true); err != nil {
			return err
		} else if notModified {
			w.Header().Set("ETag", etag)
			w.WriteHeader(http.StatusNotModified)
			return nil
		}
		writeListing(w, r, uris, etag)
		return nil
	}

	version, err := s.dir.CurrentVersion(r.Context(), entry.Name)
	if err != nil {
		return err
	}
	return s.streamVersion(w, r, cc, version)
}

// getVersion serves one specific version.
func (s *Server) getVersion(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	version, err := s.dir.ResolveVersion(r.Context(), ref.Name(), ref.Version)
	if err != nil {
		return err
	}
	return s.streamVersion(w, r, cc, version)
}

// streamVersion authorizes and streams version content, honoring the aux
// record: rename_to chains serve the target transparently with a
// Content-Location, url answers with a redirect, and hname/hversion/version
// override backend addressing.
func (s *Server) streamVersion(w http.ResponseWriter, r *http.Request, cc core.ClientContext, version *directory.Version) error {
	served := version
	contentLocation := ""
	for hop := 0; ; hop++ {
		if hop > renameHopLimit {
			return fmt.Errorf("rename_to chain for %s:%s exceeds %d hops", version.Name, version.VersionID, renameHopLimit)
		}
		name, ver, ok := served.Aux.RenameTarget()
		if !ok {
			break
		}
		target, err := s.dir.ResolveVersion(r.Context(), name, ver)
		if err != nil {
			if core.IsKind(err, core.KindNotFound) {
				// the target owned the storage and is gone
				return core.Conflictf("content for %s:%s is no longer available", version.Name, version.VersionID)
			}
			return err
		}
		served = target
		contentLocation = s.locationFor(target.Name, target.VersionID)
	}

	// authorization applies to the version actually served
	if err := directory.EnforceVersion(cc, served, core.AccessOwner, core.AccessRead); err != nil {
		return err
	}

	etag := quoteETag(version.VersionID)
	if notModified, err := checkPreconditions(r, etag, true); err != nil {
		return err
	} else if notModified {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	if served.Aux.URL != "" {
		w.Header().Set("Location", served.Aux.URL)
		w.WriteHeader(http.StatusFound)
		return nil
	}

	rng, err := parseRange(r.Header.Get("Range"), served.Size)
	if err != nil {
		return err
	}

	if contentLocation != "" {
		w.Header().Set("Content-Location", contentLocation)
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Accept-Ranges", "bytes")
	setVersionHeaders(w, served)

	// large objects can bypass the proxy path via presigned redirect
	if rng == nil && r.Method == http.MethodGet {
		if pb, ok := s.backend.(storage.PresignedBackend); ok {
			url, ok, err := pb.PresignedGet(r.Context(), served.Name, served.VersionID, served.Size, served.Aux)
			if err != nil {
				return err
			}
			if ok {
				w.Header().Set("Location", url)
				w.WriteHeader(http.StatusFound)
				return nil
			}
		}
	}

	if r.Method == http.MethodHead {
		size := served.Size
		if rng != nil {
			size = rng.Length()
		}
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		if rng != nil {
			w.Header().Set("Content-Range", contentRange(rng, served.Size))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		return nil
	}

	content, err := s.backend.GetStream(r.Context(), served.Name, served.VersionID, served.Size, rng, served.Aux)
	s.metrics.RecordStorageOp("get", err)
	if err != nil {
		return err
	}
	if content.RedirectURL != "" {
		w.Header().Set("Location", content.RedirectURL)
		w.WriteHeader(http.StatusFound)
		return nil
	}
	defer content.Body.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(content.Size, 10))
	if rng != nil {
		w.Header().Set("Content-Range", contentRange(rng, served.Size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	// the status line is already on the wire; a mid-stream failure can only
	// be logged and the connection dropped
	if _, err := io.Copy(w, content.Body); err != nil {
		s.logger.Warn("content stream aborted",
			zap.String("name", served.Name),
			zap.String("version", served.VersionID),
			zap.Error(err))
	}
	return nil
}

func contentRange(rng *storage.ByteRange, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", rng.First, rng.Last, total)
}

// setVersionHeaders echoes the stored version metadata.
func setVersionHeaders(w http.ResponseWriter, v *directory.Version) {
	if ct := v.Metadata.Get(core.FieldContentType); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if md5v := v.Metadata.Get(core.FieldContentMD5); md5v != "" {
		w.Header().Set("Content-MD5", md5v)
	}
	if sha := v.Metadata.Get(core.FieldContentSHA256); sha != "" {
		w.Header().Set("Content-SHA256", sha)
	}
	if cd := v.Metadata.Get(core.FieldContentDisposition); cd != "" {
		w.Header().Set("Content-Disposition", cd)
	}
}

// putName creates a namespace or writes object content. An unbound name
// binds by content type; an existing object path always takes content, even
// when the request carries the namespace content type.
func (s *Server) putName(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	entry, err := s.dir.Resolve(r.Context(), ref.Name())
	switch {
	case err == nil:
	case core.IsKind(err, core.KindNotFound):
		entry = nil
	default:
		return err
	}

	if entry == nil {
		if err := urlpath.ValidateCreateName(ref.Segments); err != nil {
			return err
		}
		if err := s.cfg.FirewallACLs.Enforce(cc, core.FirewallCreate); err != nil {
			return err
		}

		isObject := requestContentType(r) != NamespaceContentType
		parents := r.URL.Query().Get("parents") == "true"
		created, err := s.dir.CreateName(r.Context(), cc, ref.Name(), isObject, parents)
		if err != nil {
			return err
		}
		if !created.IsObject {
			w.Header().Set("Location", s.locationFor(created.Name, ""))
			w.WriteHeader(http.StatusCreated)
			return nil
		}
		entry = created
	} else if !entry.IsObject {
		if requestContentType(r) == NamespaceContentType {
			return core.Conflictf("name %s already in use", entry.Name)
		}
		return core.NewError(core.KindNoMethod, "namespace %s does not support PUT requests", entry.Name)
	}

	return s.putObjectContent(w, r, cc, entry)
}

// putObjectContent streams the request body into a new version.
func (s *Server) putObjectContent(w http.ResponseWriter, r *http.Request, cc core.ClientContext, entry *directory.Entry) error {
	if err := s.cfg.FirewallACLs.Enforce(cc, core.FirewallCreate); err != nil {
		return err
	}

	if r.ContentLength < 0 {
		return core.NewError(core.KindLengthRequired, "Content-Length header is required for object PUT")
	}
	if r.ContentLength > s.cfg.MaxRequestPayloadSize {
		return core.NewError(core.KindPayloadTooLarge,
			"payload of %d bytes exceeds the %d byte limit", r.ContentLength, s.cfg.MaxRequestPayloadSize)
	}

	md, err := versionMetadataFromHeaders(r)
	if err != nil {
		return err
	}

	// preconditions run against the current version's state
	etag := ""
	exists := false
	if current, err := s.dir.CurrentVersion(r.Context(), entry.Name); err == nil {
		etag = quoteETag(current.VersionID)
		exists = true
	} else if !core.IsKind(err, core.KindConflict) {
		return err
	}
	if _, err := checkPreconditions(r, etag, exists); err != nil {
		return err
	}

	pending, err := s.dir.CreateVersion(r.Context(), cc, entry.Name, md)
	if err != nil {
		return err
	}

	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestPayloadSize)
	versionID, aux, err := s.backend.CreateFromStream(r.Context(), entry.Name, body, r.ContentLength, md)
	s.metrics.RecordStorageOp("put", err)
	if err != nil {
		if abortErr := s.dir.AbortVersion(r.Context(), pending.ID); abortErr != nil {
			s.logger.Warn("failed to abort pending version", zap.Error(abortErr))
		}
		return err
	}

	version, err := s.dir.CompleteVersion(r.Context(), pending.ID, versionID, r.ContentLength, aux)
	if err != nil {
		return err
	}

	location := s.locationFor(entry.Name, version.VersionID)
	w.Header().Set("Location", location)
	w.Header().Set("Content-Type", contentTypePlain)
	writeBody(w, r, http.StatusCreated, []byte(location+"\n"))
	return nil
}

// versionMetadataFromHeaders captures and validates the optional content
// metadata headers of an object PUT.
func versionMetadataFromHeaders(r *http.Request) (core.Metadata, error) {
	md := core.Metadata{}
	if ct := requestContentType(r); ct != "" && ct != NamespaceContentType {
		md[core.FieldContentType] = ct
	}
	if md5v := r.Header.Get("Content-MD5"); md5v != "" {
		if err := core.ValidateContentMD5(md5v); err != nil {
			return nil, err
		}
		md[core.FieldContentMD5] = md5v
	}
	if sha := r.Header.Get("Content-SHA256"); sha != "" {
		if err := core.ValidateContentSHA256(sha); err != nil {
			return nil, err
		}
		md[core.FieldContentSHA256] = sha
	}
	if cd := r.Header.Get("Content-Disposition"); cd != "" {
		if err := core.ValidateContentDisposition(cd); err != nil {
			return nil, err
		}
		md[core.FieldContentDisposition] = cd
	}
	return md, nil
}

// deleteName removes a namespace or an object with all its versions, then
// reclaims backend storage for whatever the directory committed.
func (s *Server) deleteName(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	if err := s.cfg.FirewallACLs.Enforce(cc, core.FirewallDelete); err != nil {
		return err
	}

	entry, err := s.dir.Resolve(r.Context(), ref.Name())
	if err != nil {
		return err
	}
	if entry.IsObject {
		etag := ""
		exists := false
		if current, err := s.dir.CurrentVersion(r.Context(), entry.Name); err == nil {
			etag = quoteETag(current.VersionID)
			exists = true
		} else if !core.IsKind(err, core.KindConflict) {
			return err
		}
		if _, err := checkPreconditions(r, etag, exists); err != nil {
			return err
		}
	}

	result, err := s.dir.DeleteName(r.Context(), cc, entry.Name)
	if err != nil {
		return err
	}
	s.cleanupStorage(r, result)

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// deleteVersion removes one version. Source rows of a rename_to chain do
// not own their storage, and link-only versions have none.
func (s *Server) deleteVersion(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	if err := s.cfg.FirewallACLs.Enforce(cc, core.FirewallDelete); err != nil {
		return err
	}

	version, err := s.dir.ResolveVersion(r.Context(), ref.Name(), ref.Version)
	if err != nil {
		return err
	}
	if _, err := checkPreconditions(r, quoteETag(version.VersionID), true); err != nil {
		return err
	}

	deleted, err := s.dir.DeleteVersion(r.Context(), cc, ref.Name(), ref.Version)
	if err != nil {
		return err
	}
	s.deleteVersionStorage(r, deleted)

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// deleteVersionStorage reclaims backend bytes after a committed version
// delete, unless the aux record says another version owns the storage.
func (s *Server) deleteVersionStorage(r *http.Request, v *directory.Version) {
	if _, _, renamed := v.Aux.RenameTarget(); renamed || v.Aux.URL != "" {
		return
	}
	err := s.backend.Delete(r.Context(), v.Name, v.VersionID, v.Aux)
	s.metrics.RecordStorageOp("delete", err)
	if err != nil {
		s.logger.Warn("failed to delete backend content",
			zap.String("name", v.Name), zap.String("version", v.VersionID), zap.Error(err))
	}
}

// cleanupStorage reclaims backend state after a committed name delete.
func (s *Server) cleanupStorage(r *http.Request, result *directory.DeleteResult) {
	for i := range result.Versions {
		s.deleteVersionStorage(r, &result.Versions[i])
	}
	for _, u := range result.Uploads {
		err := s.backend.CancelUpload(r.Context(), u.Name, u.Handle)
		s.metrics.RecordStorageOp("cancel_upload", err)
		if err != nil {
			s.logger.Warn("failed to cancel backend upload",
				zap.String("name", u.Name), zap.String("job", u.JobID), zap.Error(err))
		}
	}
	for _, name := range result.Namespaces {
		if err := s.backend.DeleteNamespace(r.Context(), name); err != nil {
			s.logger.Warn("failed to tidy backend namespace", zap.String("name", name), zap.Error(err))
		}
	}
}

// serveVersionList handles the ;versions listing.
func (s *Server) serveVersionList(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return core.NewError(core.KindNoMethod, "method %s not allowed on version listings", r.Method)
	}

	versions, err := s.dir.EnumerateVersions(r.Context(), cc, ref.Name())
	if err != nil {
		return err
	}
	uris := make([]string, 0, len(versions))
	for _, v := range versions {
		uris = append(uris, s.locationFor(v.Name, v.VersionID))
	}

	etag := hashETag(uris...)
	if notModified, err := checkPreconditions(r, etag, true); err != nil {
		return err
	} else if notModified {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	writeListing(w, r, uris, etag)
	return nil
}
