package memory

import (
	"context"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
)

// UpdateACL applies an ACL mutation to a namespace, object or version.
func (s *Store) UpdateACL(ctx context.Context, cc core.ClientContext, target directory.ACLTarget, access string, op directory.ACLOp, role string, acl core.ACL) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if target.Version != nil {
		return s.updateVersionACL(cc, target.Version, access, op, role, acl)
	}
	return s.updateNameACL(cc, target.Entry, access, op, role, acl)
}

func (s *Store) updateNameACL(cc core.ClientContext, e *directory.Entry, access string, op directory.ACLOp, role string, acl core.ACL) error {
	row, ok := s.namesByID[e.ID]
	if !ok || row.deleted {
		return core.NotFoundf("resource %s not found", e.Name)
	}
	entry := s.entryFromRow(row)
	if !core.ValidACLName(access, entry.ACLNames()) {
		return core.BadRequestf("invalid ACL name %s for %s", access, e.Name)
	}
	if err := directory.EnforceEntry(cc, entry, core.AccessOwner); err != nil {
		return err
	}
	updated, err := directory.ApplyACLOp(row.acls.Get(access), op, role, acl)
	if err != nil {
		return err
	}
	next := row.acls.Clone()
	next[access] = updated
	if access == core.AccessOwner && !directory.OwnedSomewhere(next, entry.Ancestors) {
		return core.BadRequestf("update would leave %s with no authorized owner", e.Name)
	}
	row.acls = next
	return nil
}

func (s *Store) updateVersionACL(cc core.ClientContext, ver *directory.Version, access string, op directory.ACLOp, role string, acl core.ACL) error {
	for _, v := range s.versions {
		if v.id != ver.ID {
			continue
		}
		if v.deleted {
			return core.NotFoundf("resource %s:%s not available", ver.Name, ver.VersionID)
		}
		obj := s.namesByID[v.objectID]
		vr := s.versionFromRow(v, obj)
		if !core.ValidACLName(access, vr.ACLNames()) {
			return core.BadRequestf("invalid ACL name %s for %s:%s", access, ver.Name, ver.VersionID)
		}
		if err := directory.EnforceVersion(cc, vr, core.AccessOwner); err != nil {
			return err
		}
		updated, err := directory.ApplyACLOp(v.acls.Get(access), op, role, acl)
		if err != nil {
			return err
		}
		next := v.acls.Clone()
		next[access] = updated
		if access == core.AccessOwner && !directory.OwnedSomewhere(next, vr.Ancestors) {
			return core.BadRequestf("update would leave %s:%s with no authorized owner", ver.Name, ver.VersionID)
		}
		v.acls = next
		return nil
	}
	return core.NotFoundf("object version %s:%s not found", ver.Name, ver.VersionID)
}
