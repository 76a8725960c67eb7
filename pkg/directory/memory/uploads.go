package memory

import (
	"context"
	"time"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/storage"
)

// CreateUpload records a new upload job in state open.
func (s *Store) CreateUpload(ctx context.Context, cc core.ClientContext, name, jobID, handle string, chunkLength, contentLength int64, md core.Metadata) (*directory.Upload, error) {
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

	row := &uploadRow{
		id:            s.issueID(),
		objectID:      obj.id,
		jobID:         jobID,
		chunkLength:   chunkLength,
		contentLength: contentLength,
		metadata:      md.Clone(),
		handle:        handle,
		state:         directory.UploadOpen,
		owner:         newOwnerACLs(cc).Get(core.AccessOwner),
		createdAt:     time.Now().UTC(),
	}
	s.uploads = append(s.uploads, row)
	return s.uploadFromRow(row, obj), nil
}

// ResolveUpload returns an open job by id.
func (s *Store) ResolveUpload(ctx context.Context, name, jobID string) (*directory.Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.requireObject(name)
	if err != nil {
		return nil, err
	}
	for _, u := range s.uploads {
		if u.objectID == obj.id && u.jobID == jobID {
			if u.state != directory.UploadOpen {
				return nil, core.NotFoundf("upload %s;upload/%s not available", name, jobID)
			}
			return s.uploadFromRow(u, obj), nil
		}
	}
	return nil, core.NotFoundf("upload %s;upload/%s not found", name, jobID)
}

// ListUploads lists the open jobs targeting an object.
func (s *Store) ListUploads(ctx context.Context, cc core.ClientContext, name string) ([]directory.Upload, error) {
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

	var out []directory.Upload
	for _, u := range s.uploads {
		if u.objectID == obj.id && u.state == directory.UploadOpen {
			out = append(out, *s.uploadFromRow(u, obj))
		}
	}
	return out, nil
}

// RecordChunk persists chunk aux, replacing any earlier record at the same
// position so retransmissions stay idempotent.
func (s *Store) RecordChunk(ctx context.Context, up *directory.Upload, aux storage.ChunkAux) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.uploads {
		if u.id != up.ID {
			continue
		}
		if u.state != directory.UploadOpen {
			return core.NotFoundf("upload %s;upload/%s not available", up.Name, up.JobID)
		}
		for i := range u.chunks {
			if u.chunks[i].Position == aux.Position {
				u.chunks[i] = aux
				return nil
			}
		}
		u.chunks = append(u.chunks, aux)
		return nil
	}
	return core.NotFoundf("upload %s;upload/%s not found", up.Name, up.JobID)
}

// FinalizeUpload atomically flips an open job to finalized and creates the
// resulting visible version. Only one finalization can win.
func (s *Store) FinalizeUpload(ctx context.Context, cc core.ClientContext, up *directory.Upload, versionID string, size int64, aux core.Aux) (*directory.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.uploads {
		if u.id != up.ID {
			continue
		}
		if u.state != directory.UploadOpen {
			return nil, core.NotFoundf("upload %s;upload/%s not available", up.Name, up.JobID)
		}
		obj := s.namesByID[u.objectID]
		if obj == nil || obj.deleted {
			return nil, core.NotFoundf("object %s is not available", up.Name)
		}
		if err := directory.EnforceUpload(cc, s.uploadFromRow(u, obj)); err != nil {
			return nil, err
		}

		u.state = directory.UploadFinalized
		row := &versionRow{
			id:        s.issueID(),
			objectID:  obj.id,
			versionID: versionID,
			size:      size,
			metadata:  u.metadata.Clone(),
			aux:       aux,
			acls:      core.ACLs{core.AccessOwner: append(core.ACL(nil), u.owner...)},
			createdAt: time.Now().UTC(),
		}
		s.versions = append(s.versions, row)
		return s.versionFromRow(row, obj), nil
	}
	return nil, core.NotFoundf("upload %s;upload/%s not found", up.Name, up.JobID)
}

// CancelUpload flips an open job to cancelled.
func (s *Store) CancelUpload(ctx context.Context, cc core.ClientContext, up *directory.Upload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.uploads {
		if u.id != up.ID {
			continue
		}
		if u.state != directory.UploadOpen {
			return core.NotFoundf("upload %s;upload/%s not available", up.Name, up.JobID)
		}
		obj := s.namesByID[u.objectID]
		if err := directory.EnforceUpload(cc, s.uploadFromRow(u, obj)); err != nil {
			return err
		}
		u.state = directory.UploadCancelled
		return nil
	}
	return core.NotFoundf("upload %s;upload/%s not found", up.Name, up.JobID)
}
