package memory

import (
	"context"
	"time"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
)

// requireObject returns the live object row for name. Must be called with
// the lock held.
func (s *Store) requireObject(name string) (*nameRow, error) {
	row, ok := s.names[name]
	if !ok || row.deleted {
		return nil, core.NotFoundf("resource %s not found", name)
	}
	if !row.isObject {
		return nil, core.Conflictf("%s is not an object", name)
	}
	return row, nil
}

// CurrentVersion returns the highest-numbered visible version. Concurrent
// update order resolves through insertion order: the latest created visible
// version wins.
func (s *Store) CurrentVersion(ctx context.Context, name string) (*directory.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.requireObject(name)
	if err != nil {
		return nil, err
	}

	var current *versionRow
	for _, v := range s.versions {
		if v.objectID == obj.id && !v.deleted && !v.pending {
			if current == nil || v.id > current.id {
				current = v
			}
		}
	}
	if current == nil {
		return nil, core.Conflictf("object %s currently has no content", name)
	}
	return s.versionFromRow(current, obj), nil
}

// ResolveVersion returns one live version.
func (s *Store) ResolveVersion(ctx context.Context, name, versionID string) (*directory.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.requireObject(name)
	if err != nil {
		return nil, err
	}
	for _, v := range s.versions {
		if v.objectID == obj.id && v.versionID == versionID && !v.pending {
			if v.deleted {
				return nil, core.NotFoundf("resource %s:%s not available", name, versionID)
			}
			return s.versionFromRow(v, obj), nil
		}
	}
	return nil, core.NotFoundf("object version %s:%s not found", name, versionID)
}

// CreateVersion inserts an invisible version row pending storage transfer.
func (s *Store) CreateVersion(ctx context.Context, cc core.ClientContext, name string, md core.Metadata) (*directory.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.requireObject(name)
	if err != nil {
		return nil, err
	}
	if err := directory.EnforceEntry(cc, s.entryFromRow(obj), core.AccessOwner, core.AccessUpdate); err != nil {
		return nil, err
	}

	// the previous current version seeds ACLs and unsupplied mutable
	// metadata; the first version starts from defaults
	acls := newOwnerACLs(cc)
	metadata := md.Clone()
	var prev *versionRow
	for _, v := range s.versions {
		if v.objectID == obj.id && !v.deleted && !v.pending {
			if prev == nil || v.id > prev.id {
				prev = v
			}
		}
	}
	if prev != nil {
		directory.InheritVersionState(acls, metadata, prev.acls, prev.metadata)
	}

	row := &versionRow{
		id:        s.issueID(),
		objectID:  obj.id,
		metadata:  metadata,
		pending:   true,
		acls:      acls,
		createdAt: time.Now().UTC(),
	}
	s.versions = append(s.versions, row)
	return s.versionFromRow(row, obj), nil
}

// CompleteVersion makes a pending version visible.
func (s *Store) CompleteVersion(ctx context.Context, id int64, versionID string, size int64, aux core.Aux) (*directory.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.versions {
		if v.id != id {
			continue
		}
		if !v.pending {
			return nil, core.Conflictf("version %d is not pending", id)
		}
		v.versionID = versionID
		v.size = size
		v.aux = aux
		v.pending = false
		obj := s.namesByID[v.objectID]
		return s.versionFromRow(v, obj), nil
	}
	return nil, core.NotFoundf("pending version %d not found", id)
}

// AbortVersion drops a pending row after a failed transfer.
func (s *Store) AbortVersion(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, v := range s.versions {
		if v.id == id && v.pending {
			s.versions = append(s.versions[:i], s.versions[i+1:]...)
			return nil
		}
	}
	return nil
}

// DeleteVersion marks one version deleted; the current pointer advances
// implicitly to the next-highest visible version.
func (s *Store) DeleteVersion(ctx context.Context, cc core.ClientContext, name, versionID string) (*directory.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.requireObject(name)
	if err != nil {
		return nil, err
	}
	for _, v := range s.versions {
		if v.objectID != obj.id || v.versionID != versionID || v.pending {
			continue
		}
		if v.deleted {
			return nil, core.NotFoundf("resource %s:%s not available", name, versionID)
		}
		vr := s.versionFromRow(v, obj)
		if err := directory.EnforceVersion(cc, vr, core.AccessOwner); err != nil {
			return nil, err
		}
		v.deleted = true
		return vr, nil
	}
	return nil, core.NotFoundf("object version %s:%s not found", name, versionID)
}

// EnumerateVersions lists live versions oldest first.
func (s *Store) EnumerateVersions(ctx context.Context, cc core.ClientContext, name string) ([]directory.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.requireObject(name)
	if err != nil {
		return nil, err
	}
	entry := s.entryFromRow(obj)
	if err := enforceListing(cc, entry); err != nil {
		return nil, err
	}

	var out []directory.Version
	for _, v := range s.versions {
		if v.objectID == obj.id && !v.deleted && !v.pending {
			out = append(out, *s.versionFromRow(v, obj))
		}
	}
	return out, nil
}

// SetMetadataField sets one field, honoring digest immutability.
func (s *Store) SetMetadataField(ctx context.Context, cc core.ClientContext, ver *directory.Version, field, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.versions {
		if v.id != ver.ID {
			continue
		}
		if v.deleted {
			return core.NotFoundf("resource %s:%s not available", ver.Name, ver.VersionID)
		}
		obj := s.namesByID[v.objectID]
		if err := directory.EnforceVersion(cc, s.versionFromRow(v, obj), core.AccessOwner); err != nil {
			return err
		}
		if existing := v.metadata.Get(field); existing != "" && core.FieldImmutable(field) && existing != value {
			return core.Conflictf("metadata field %s is immutable once set", field)
		}
		if v.metadata == nil {
			v.metadata = core.Metadata{}
		}
		v.metadata[field] = value
		return nil
	}
	return core.NotFoundf("object version %s:%s not found", ver.Name, ver.VersionID)
}

// DeleteMetadataField removes a mutable field.
func (s *Store) DeleteMetadataField(ctx context.Context, cc core.ClientContext, ver *directory.Version, field string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.versions {
		if v.id != ver.ID {
			continue
		}
		if v.deleted {
			return core.NotFoundf("resource %s:%s not available", ver.Name, ver.VersionID)
		}
		obj := s.namesByID[v.objectID]
		if err := directory.EnforceVersion(cc, s.versionFromRow(v, obj), core.AccessOwner); err != nil {
			return err
		}
		if core.FieldImmutable(field) && v.metadata.Get(field) != "" {
			return core.Conflictf("metadata field %s is immutable once set", field)
		}
		delete(v.metadata, field)
		return nil
	}
	return core.NotFoundf("object version %s:%s not found", ver.Name, ver.VersionID)
}
