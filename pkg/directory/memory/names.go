package memory

import (
	"context"
	"sort"
	"time"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
)

// Resolve returns the live binding for a name.
func (s *Store) Resolve(ctx context.Context, name string) (*directory.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.names[name]
	if !ok || row.deleted {
		return nil, core.NotFoundf("resource %s not found", name)
	}
	return s.entryFromRow(row), nil
}

// ResolveAny returns the binding including tombstones, nil when unbound.
func (s *Store) ResolveAny(ctx context.Context, name string) (*directory.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.names[name]
	if !ok {
		return nil, nil
	}
	return s.entryFromRow(row), nil
}

// CreateName binds a namespace or object under its parent namespace.
func (s *Store) CreateName(ctx context.Context, cc core.ClientContext, name string, isObject, parents bool) (*directory.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.names[name]; ok {
		if !existing.deleted {
			return nil, core.Conflictf("name %s already in use", name)
		}
		if existing.isObject != isObject {
			return nil, core.Conflictf("deleted name %s was bound to a different resource kind", name)
		}
		// restore the tombstone under the same kind
		parent, err := s.requireParent(cc, name)
		if err != nil {
			return nil, err
		}
		existing.parentID = parent.id
		existing.deleted = false
		existing.acls = newOwnerACLs(cc)
		existing.createdAt = time.Now().UTC()
		return s.entryFromRow(existing), nil
	}

	if parents {
		if err := s.createMissingParents(cc, name); err != nil {
			return nil, err
		}
	}

	parent, err := s.requireParent(cc, name)
	if err != nil {
		return nil, err
	}

	row := &nameRow{
		id:        s.issueID(),
		parentID:  parent.id,
		name:      name,
		isObject:  isObject,
		acls:      newOwnerACLs(cc),
		createdAt: time.Now().UTC(),
	}
	s.names[name] = row
	s.namesByID[row.id] = row
	return s.entryFromRow(row), nil
}

// requireParent validates and authorizes the parent namespace of name.
// Must be called with the lock held.
func (s *Store) requireParent(cc core.ClientContext, name string) (*nameRow, error) {
	pname := parentName(name)
	parent, ok := s.names[pname]
	if !ok || parent.deleted {
		return nil, core.Conflictf("parent namespace %s not available", pname)
	}
	if parent.isObject {
		return nil, core.Conflictf("parent %s is not a namespace", pname)
	}
	pe := s.entryFromRow(parent)
	if err := directory.EnforceEntry(cc, pe, core.AccessOwner, core.AccessCreate); err != nil {
		return nil, err
	}
	return parent, nil
}

// createMissingParents creates absent ancestor namespaces, shallowest first.
func (s *Store) createMissingParents(cc core.ClientContext, name string) error {
	var missing []string
	for p := parentName(name); p != "/"; p = parentName(p) {
		row, ok := s.names[p]
		if ok {
			if row.deleted && !row.isObject {
				missing = append(missing, p)
				continue
			}
			break
		}
		missing = append(missing, p)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		p := missing[i]
		parent, err := s.requireParent(cc, p)
		if err != nil {
			return err
		}
		if row, ok := s.names[p]; ok {
			row.parentID = parent.id
			row.deleted = false
			row.acls = newOwnerACLs(cc)
			continue
		}
		row := &nameRow{
			id:        s.issueID(),
			parentID:  parent.id,
			name:      p,
			acls:      newOwnerACLs(cc),
			createdAt: time.Now().UTC(),
		}
		s.names[p] = row
		s.namesByID[row.id] = row
	}
	return nil
}

func newOwnerACLs(cc core.ClientContext) core.ACLs {
	acls := core.ACLs{}
	if cc.Client != "" {
		acls[core.AccessOwner] = core.ACL{cc.Client}
	}
	return acls
}

// DeleteName deletes an empty namespace, or an object with its versions and
// open uploads.
func (s *Store) DeleteName(ctx context.Context, cc core.ClientContext, name string) (*directory.DeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.names[name]
	if !ok || row.deleted {
		return nil, core.NotFoundf("resource %s not found", name)
	}
	if name == "/" {
		return nil, core.Conflictf("the root namespace cannot be deleted")
	}

	entry := s.entryFromRow(row)
	if err := directory.EnforceEntry(cc, entry, core.AccessOwner); err != nil {
		return nil, err
	}

	result := &directory.DeleteResult{}

	if !row.isObject {
		for _, child := range s.names {
			if child.parentID == row.id && !child.deleted {
				return nil, core.Conflictf("namespace %s is not empty", name)
			}
		}
		row.deleted = true
		result.Namespaces = append(result.Namespaces, name)
		return result, nil
	}

	// deleting an object requires ownership over every live version too
	for _, v := range s.versions {
		if v.objectID == row.id && !v.deleted && !v.pending {
			vr := s.versionFromRow(v, row)
			if err := directory.EnforceVersion(cc, vr, core.AccessOwner); err != nil {
				return nil, err
			}
		}
	}

	for _, v := range s.versions {
		if v.objectID != row.id || v.deleted || v.pending {
			continue
		}
		result.Versions = append(result.Versions, *s.versionFromRow(v, row))
		v.deleted = true
	}
	for _, u := range s.uploads {
		if u.objectID != row.id || u.state != directory.UploadOpen {
			continue
		}
		result.Uploads = append(result.Uploads, *s.uploadFromRow(u, row))
		u.state = directory.UploadCancelled
	}
	row.deleted = true
	return result, nil
}

// EnumerateChildren lists live direct children, sorted by name.
func (s *Store) EnumerateChildren(ctx context.Context, cc core.ClientContext, name string) ([]directory.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.names[name]
	if !ok || row.deleted {
		return nil, core.NotFoundf("resource %s not found", name)
	}
	if row.isObject {
		return nil, core.Conflictf("object %s has no children", name)
	}

	entry := s.entryFromRow(row)
	if err := enforceListing(cc, entry); err != nil {
		return nil, err
	}

	var out []directory.Entry
	for _, child := range s.names {
		if child.parentID == row.id && !child.deleted && child.name != "/" {
			out = append(out, *s.entryFromRow(child))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// enforceListing gates namespace listings: owners, or subtree-read grants
// including the namespace's own.
func enforceListing(cc core.ClientContext, e *directory.Entry) error {
	chain := append(append([]core.ACLs{}, e.Ancestors...), e.ACLs)
	return enforceWithChain(cc, e.Name, e.ACLs, chain, core.AccessRead)
}

func enforceWithChain(cc core.ClientContext, name string, own core.ACLs, chain []core.ACLs, access string) error {
	probe := &directory.Entry{Name: name, ACLs: own, Ancestors: chain}
	return directory.EnforceEntry(cc, probe, core.AccessOwner, access)
}
