package rest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/urlpath"
)

// maxACLBodySize bounds ;acl PUT bodies.
const maxACLBodySize = 64 << 10

// aclResource bundles the resolved ACL target with its lists and allowed
// access names.
type aclResource struct {
	target   directory.ACLTarget
	name     string
	acls     core.ACLs
	allowed  []string
	enforces func(cc core.ClientContext, accesses ...string) error
}

// serveACL handles ;acl, ;acl/<access> and ;acl/<access>/<entry>.
func (s *Server) serveACL(w http.ResponseWriter, r *http.Request, cc core.ClientContext, ref urlpath.Ref) error {
	res, err := s.resolveACLTarget(r, ref)
	if err != nil {
		return err
	}

	if ref.Access != "" && !core.ValidACLName(ref.Access, res.allowed) {
		return core.BadRequestf("invalid ACL name %s for %s", ref.Access, res.name)
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return s.getACL(w, r, cc, res, ref)
	case http.MethodPut:
		return s.putACL(w, r, cc, res, ref)
	case http.MethodDelete:
		return s.deleteACL(w, r, cc, res, ref)
	default:
		return core.NewError(core.KindNoMethod, "method %s not allowed on ACLs", r.Method)
	}
}

// resolveACLTarget resolves the addressed resource: namespace, object, or a
// specific version.
func (s *Server) resolveACLTarget(r *http.Request, ref urlpath.Ref) (*aclResource, error) {
	if ref.Version != "" {
		v, err := s.dir.ResolveVersion(r.Context(), ref.Name(), ref.Version)
		if err != nil {
			return nil, err
		}
		return &aclResource{
			target:  directory.ACLTarget{Version: v},
			name:    v.Name + ":" + v.VersionID,
			acls:    v.ACLs,
			allowed: v.ACLNames(),
			enforces: func(cc core.ClientContext, accesses ...string) error {
				return directory.EnforceVersion(cc, v, accesses...)
			},
		}, nil
	}

	entry, err := s.dir.Resolve(r.Context(), ref.Name())
	if err != nil {
		return nil, err
	}
	return &aclResource{
		target:  directory.ACLTarget{Entry: entry},
		name:    entry.Name,
		acls:    entry.ACLs,
		allowed: entry.ACLNames(),
		enforces: func(cc core.ClientContext, accesses ...string) error {
			return directory.EnforceEntry(cc, entry, accesses...)
		},
	}, nil
}

func aclETag(acls core.ACLs, allowed []string) string {
	var parts []string
	for _, access := range allowed {
		parts = append(parts, access)
		parts = append(parts, acls.Get(access).Normalize()...)
	}
	return hashETag(parts...)
}

// getACL reads the collection, one list, or one entry. Reading ACLs
// requires ownership.
func (s *Server) getACL(w http.ResponseWriter, r *http.Request, cc core.ClientContext, res *aclResource, ref urlpath.Ref) error {
	if err := res.enforces(cc, core.AccessOwner); err != nil {
		return err
	}

	etag := aclETag(res.acls, res.allowed)
	if notModified, err := checkPreconditions(r, etag, true); err != nil {
		return err
	} else if notModified {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	w.Header().Set("ETag", etag)

	switch {
	case ref.Access == "":
		collection := make(map[string]core.ACL, len(res.allowed))
		for _, access := range res.allowed {
			collection[access] = res.acls.Get(access).Normalize()
		}
		body, err := json.Marshal(collection)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", contentTypeJSON)
		writeBody(w, r, http.StatusOK, append(body, '\n'))

	case ref.Entry == "":
		body, err := json.Marshal(res.acls.Get(ref.Access).Normalize())
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", contentTypeJSON)
		writeBody(w, r, http.StatusOK, append(body, '\n'))

	default:
		if !res.acls.Get(ref.Access).Contains(ref.Entry) {
			return core.NotFoundf("ACL member %s;acl/%s/%s not found", res.name, ref.Access, ref.Entry)
		}
		w.Header().Set("Content-Type", contentTypePlain)
		writeBody(w, r, http.StatusOK, []byte(ref.Entry+"\n"))
	}
	return nil
}

// putACL replaces one list (JSON body) or inserts one entry (no body).
// Preconditions are evaluated after authorization so they cannot leak ACL
// state to non-owners.
func (s *Server) putACL(w http.ResponseWriter, r *http.Request, cc core.ClientContext, res *aclResource, ref urlpath.Ref) error {
	if ref.Access == "" {
		return core.NewError(core.KindNoMethod, "the ACL collection does not support PUT; address a list")
	}
	if err := s.cfg.FirewallACLs.Enforce(cc, core.FirewallManageACLs); err != nil {
		return err
	}
	if err := res.enforces(cc, core.AccessOwner); err != nil {
		return err
	}
	if _, err := checkPreconditions(r, aclETag(res.acls, res.allowed), true); err != nil {
		return err
	}

	if ref.Entry != "" {
		// PUT with no body inserts the addressed entry
		return s.finishACLUpdate(w, r, cc, res, ref.Access, directory.ACLAddRole, ref.Entry, nil)
	}

	if ct := requestContentType(r); ct != "" && ct != contentTypeJSON {
		return core.BadRequestf("only application/json input is accepted for ACLs")
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxACLBodySize+1))
	if err != nil {
		return core.BadRequestf("failed to read ACL body: %v", err)
	}
	if len(raw) > maxACLBodySize {
		return core.NewError(core.KindPayloadTooLarge, "ACL body exceeds %d bytes", maxACLBodySize)
	}

	var acl []string
	if err := json.Unmarshal(raw, &acl); err != nil {
		return core.BadRequestf("ACL input must be a flat JSON array of strings")
	}
	return s.finishACLUpdate(w, r, cc, res, ref.Access, directory.ACLSet, "", core.ACL(acl))
}

// deleteACL clears one list or removes one entry.
func (s *Server) deleteACL(w http.ResponseWriter, r *http.Request, cc core.ClientContext, res *aclResource, ref urlpath.Ref) error {
	if ref.Access == "" {
		return core.NewError(core.KindNoMethod, "the ACL collection does not support DELETE; address a list")
	}
	if err := s.cfg.FirewallACLs.Enforce(cc, core.FirewallManageACLs); err != nil {
		return err
	}
	if err := res.enforces(cc, core.AccessOwner); err != nil {
		return err
	}
	if _, err := checkPreconditions(r, aclETag(res.acls, res.allowed), true); err != nil {
		return err
	}

	op := directory.ACLClear
	if ref.Entry != "" {
		op = directory.ACLDropRole
	}
	return s.finishACLUpdate(w, r, cc, res, ref.Access, op, ref.Entry, nil)
}

func (s *Server) finishACLUpdate(w http.ResponseWriter, r *http.Request, cc core.ClientContext, res *aclResource, access string, op directory.ACLOp, role string, acl core.ACL) error {
	if err := s.dir.UpdateACL(r.Context(), cc, res.target, access, op, role, acl); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
