package memory

import (
	"context"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
)

// WalkVersions visits every live version.
func (s *Store) WalkVersions(ctx context.Context, fn func(*directory.Version) error) error {
	s.mu.Lock()
	var snapshot []*directory.Version
	for _, v := range s.versions {
		if v.deleted || v.pending {
			continue
		}
		obj := s.namesByID[v.objectID]
		if obj == nil || obj.deleted {
			continue
		}
		snapshot = append(snapshot, s.versionFromRow(v, obj))
	}
	s.mu.Unlock()

	for _, v := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// SetVersionAux replaces a version's aux record.
func (s *Store) SetVersionAux(ctx context.Context, id int64, aux core.Aux) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.versions {
		if v.id == id {
			v.aux = aux
			return nil
		}
	}
	return core.NotFoundf("version %d not found", id)
}
