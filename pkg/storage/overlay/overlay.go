// Package overlay composes a primary backend over read-only secondaries.
//
// The overlay supports gradual migration: a cloned metadata database can be
// pointed at a fresh primary backend while existing version content is still
// retrievable from the secondary backends it was cloned from. Reads try each
// backend in order until one has the content; all writes go to the primary.
package overlay

import (
	"context"
	"io"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/storage"
)

// Store routes reads through a prioritized backend list.
type Store struct {
	backends []storage.Backend
}

// New composes the backends; the first is the primary.
func New(backends ...storage.Backend) (*Store, error) {
	if len(backends) == 0 {
		return nil, core.BadRequestf("overlay requires at least one backend")
	}
	return &Store{backends: backends}, nil
}

func (s *Store) primary() storage.Backend { return s.backends[0] }

// CreateFromStream writes to the primary only.
func (s *Store) CreateFromStream(ctx context.Context, name string, r io.Reader, nbytes int64, md core.Metadata) (string, core.Aux, error) {
	return s.primary().CreateFromStream(ctx, name, r, nbytes, md)
}

// GetStream tries each backend in order; a NotFound falls through to the
// next backend, any other failure stops the search.
func (s *Store) GetStream(ctx context.Context, name, version string, nbytes int64, rng *storage.ByteRange, aux core.Aux) (*storage.Content, error) {
	for _, b := range s.backends {
		content, err := b.GetStream(ctx, name, version, nbytes, rng, aux)
		if err == nil {
			return content, nil
		}
		if !core.IsKind(err, core.KindNotFound) {
			return nil, err
		}
	}
	return nil, core.NotFoundf("object version %s:%s has no stored content in any backend", name, version)
}

// Delete removes from the primary; a version living only in a secondary is
// left alone.
func (s *Store) Delete(ctx context.Context, name, version string, aux core.Aux) error {
	err := s.primary().Delete(ctx, name, version, aux)
	if core.IsKind(err, core.KindNotFound) {
		return nil
	}
	return err
}

// DeleteNamespace tidies the primary only.
func (s *Store) DeleteNamespace(ctx context.Context, name string) error {
	return s.primary().DeleteNamespace(ctx, name)
}

// CreateUpload reserves upload state on the primary.
func (s *Store) CreateUpload(ctx context.Context, name string, nbytes int64, md core.Metadata) (string, error) {
	return s.primary().CreateUpload(ctx, name, nbytes, md)
}

// UploadChunk writes to the primary.
func (s *Store) UploadChunk(ctx context.Context, name, handle string, position, chunkLength, size int64, r io.Reader) (storage.ChunkAux, error) {
	return s.primary().UploadChunk(ctx, name, handle, position, chunkLength, size, r)
}

// FinalizeUpload assembles on the primary.
func (s *Store) FinalizeUpload(ctx context.Context, name, handle string, chunks []storage.ChunkAux, md core.Metadata) (string, core.Aux, error) {
	return s.primary().FinalizeUpload(ctx, name, handle, chunks, md)
}

// VerifiesFinalizeHashes reports the primary's finalize behavior.
func (s *Store) VerifiesFinalizeHashes() bool {
	if hv, ok := s.primary().(storage.HashVerifyingBackend); ok {
		return hv.VerifiesFinalizeHashes()
	}
	return false
}

// CancelUpload releases the primary reservation.
func (s *Store) CancelUpload(ctx context.Context, name, handle string) error {
	return s.primary().CancelUpload(ctx, name, handle)
}

// Address reports the primary's addressing.
func (s *Store) Address(name, version string) string {
	return s.primary().Address(name, version)
}

// PresignedGet delegates to the first backend that both holds presigning
// capability and accepts the request.
func (s *Store) PresignedGet(ctx context.Context, name, version string, nbytes int64, aux core.Aux) (string, bool, error) {
	for _, b := range s.backends {
		pb, ok := b.(storage.PresignedBackend)
		if !ok {
			continue
		}
		url, ok, err := pb.PresignedGet(ctx, name, version, nbytes, aux)
		if err != nil || ok {
			return url, ok, err
		}
	}
	return "", false, nil
}
