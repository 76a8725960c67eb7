package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/urlpath"
)

// maxMetadataValueSize bounds ;metadata PUT bodies; field values are short
// header-like strings, never bulk payloads.
const maxMetadataValueSize = 4 << 10

// serveMetadata handles the ;metadata sub-resource of object versions.
func (s *Server) serveMetadata(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	version, err := s.resolveMetadataTarget(r, ref)
	if err != nil {
		return err
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if ref.Field == "" {
			return s.getMetadataCollection(w, r, cc, version)
		}
		return s.getMetadataField(w, r, cc, version, ref.Field)
	case http.MethodPut:
		if ref.Field == "" {
			return core.NewError(core.KindNoMethod, "the metadata collection does not support PUT; address a field")
		}
		return s.putMetadataField(w, r, cc, version, ref.Field)
	case http.MethodDelete:
		if ref.Field == "" {
			return core.NewError(core.KindNoMethod, "the metadata collection does not support DELETE; address a field")
		}
		return s.deleteMetadataField(w, r, cc, version, ref.Field)
	default:
		return core.NewError(core.KindNoMethod, "method %s not allowed on metadata", r.Method)
	}
}

// resolveMetadataTarget resolves the addressed version: a version-qualified
// reference names it directly, a bare object name means its current
// version. Namespaces have no metadata sub-resource.
func (s *Server) resolveMetadataTarget(r *http.Request, ref urlpath.Ref) (*directory.Version, error) {
	entry, err := s.dir.Resolve(r.Context(), ref.Name())
	if err != nil {
		return nil, err
	}
	if !entry.IsObject {
		return nil, core.NotFoundf("namespaces do not have metadata sub-resources")
	}
	if ref.Version != "" {
		return s.dir.ResolveVersion(r.Context(), ref.Name(), ref.Version)
	}
	return s.dir.CurrentVersion(r.Context(), ref.Name())
}

func metadataETag(md core.Metadata) string {
	parts := make([]string, 0, len(md)*2)
	for _, k := range sortedKeys(md) {
		parts = append(parts, k, md[k])
	}
	return hashETag(parts...)
}

func (s *Server) getMetadataCollection(w http.ResponseWriter, r *http.Request, cc core.ClientContext, v *directory.Version) error {
	if err := directory.EnforceVersion(cc, v, core.AccessOwner, core.AccessRead); err != nil {
		return err
	}

	etag := metadataETag(v.Metadata)
	if notModified, err := checkPreconditions(r, etag, true); err != nil {
		return err
	} else if notModified {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	body, err := json.Marshal(v.Metadata)
	if err != nil {
		return err
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", contentTypeJSON)
	writeBody(w, r, http.StatusOK, append(body, '\n'))
	return nil
}

func (s *Server) getMetadataField(w http.ResponseWriter, r *http.Request, cc core.ClientContext, v *directory.Version, field string) error {
	if !core.KnownField(field) {
		return core.BadRequestf("unknown metadata field %q", field)
	}
	if err := directory.EnforceVersion(cc, v, core.AccessOwner, core.AccessRead); err != nil {
		return err
	}

	value := v.Metadata.Get(field)
	if value == "" {
		return core.NotFoundf("metadata field %s not set on %s:%s", field, v.Name, v.VersionID)
	}

	etag := hashETag(field, value)
	if notModified, err := checkPreconditions(r, etag, true); err != nil {
		return err
	} else if notModified {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", contentTypePlain)
	writeBody(w, r, http.StatusOK, []byte(value+"\n"))
	return nil
}

func (s *Server) putMetadataField(w http.ResponseWriter, r *http.Request, cc core.ClientContext, v *directory.Version, field string) error {
	if err := s.cfg.FirewallACLs.Enforce(cc, core.FirewallManageMetadata); err != nil {
		return err
	}
	if ct := requestContentType(r); ct != "" && ct != contentTypePlain {
		return core.BadRequestf("only text/plain input is accepted for metadata")
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMetadataValueSize+1))
	if err != nil {
		return core.BadRequestf("failed to read metadata value: %v", err)
	}
	if len(raw) > maxMetadataValueSize {
		return core.NewError(core.KindPayloadTooLarge, "metadata value exceeds %d bytes", maxMetadataValueSize)
	}
	value := strings.TrimRight(string(raw), "\r\n")
	if err := core.ValidateField(field, value); err != nil {
		return err
	}

	etag := hashETag(field, v.Metadata.Get(field))
	if _, err := checkPreconditions(r, etag, v.Metadata.Get(field) != ""); err != nil {
		return err
	}

	if err := s.dir.SetMetadataField(r.Context(), cc, v, field, value); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) deleteMetadataField(w http.ResponseWriter, r *http.Request, cc core.ClientContext, v *directory.Version, field string) error {
	if err := s.cfg.FirewallACLs.Enforce(cc, core.FirewallManageMetadata); err != nil {
		return err
	}
	if !core.KnownField(field) {
		return core.BadRequestf("unknown metadata field %q", field)
	}

	etag := hashETag(field, v.Metadata.Get(field))
	if _, err := checkPreconditions(r, etag, v.Metadata.Get(field) != ""); err != nil {
		return err
	}

	if err := s.dir.DeleteMetadataField(r.Context(), cc, v, field); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
