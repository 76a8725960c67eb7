// Package storage defines the bulk-byte backend abstraction.
//
// Backends handle only low-level byte storage addressed by (name, version)
// pairs. Name lifecycle, authorization and metadata are handled by the
// directory layer; backends trust their inputs.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"io"

	"github.com/hatrac/hatrac/pkg/core"
)

// ByteRange is an inclusive byte range, resolved against the version size
// before it reaches a backend.
type ByteRange struct {
	First int64
	Last  int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 {
	return r.Last - r.First + 1
}

// Content is the result of a backend read.
type Content struct {
	// Body streams the requested bytes. Nil when RedirectURL is set.
	Body io.ReadCloser

	// Size is the number of bytes Body yields (range length for partial
	// reads).
	Size int64

	// RedirectURL, when non-empty, tells the handler to answer with a
	// redirect (presigned URL flow) instead of proxying bytes.
	RedirectURL string
}

// ChunkAux is the per-chunk state a backend needs to finalize an upload.
// For S3 this is the part ETag; the filesystem backend only needs the
// position. The directory persists these verbatim as JSON.
type ChunkAux struct {
	Position int64  `json:"position"`
	ETag     string `json:"etag,omitempty"`
}

// Backend stores immutable object-version byte sequences.
//
// Incoming streams carry a declared total size; implementations must not
// buffer whole payloads in memory. All operations respect context
// cancellation.
type Backend interface {
	// CreateFromStream stores a complete version from the stream and
	// returns the backend-issued version id plus any aux addressing
	// overrides to persist with the version.
	CreateFromStream(ctx context.Context, name string, r io.Reader, nbytes int64, md core.Metadata) (version string, aux core.Aux, err error)

	// GetStream opens the stored bytes for (name, version). A nil rng
	// requests the full content of the given size; a non-nil rng requests
	// the inclusive byte range. The aux record supplies backend-level
	// addressing overrides (aux.version for S3 versioned buckets).
	GetStream(ctx context.Context, name, version string, nbytes int64, rng *ByteRange, aux core.Aux) (*Content, error)

	// Delete removes the stored bytes. Deleting absent content succeeds.
	Delete(ctx context.Context, name, version string, aux core.Aux) error

	// DeleteNamespace tidies any backend artifact for an empty, deleted
	// namespace. Most backends have nothing to do.
	DeleteNamespace(ctx context.Context, name string) error

	// CreateUpload reserves backend state for a chunked upload of nbytes
	// and returns an opaque handle (e.g. an S3 multipart upload id).
	CreateUpload(ctx context.Context, name string, nbytes int64, md core.Metadata) (handle string, err error)

	// UploadChunk stores size bytes at chunk index position. chunkLength
	// is the declared per-chunk length used to derive byte offsets.
	UploadChunk(ctx context.Context, name, handle string, position, chunkLength, size int64, r io.Reader) (ChunkAux, error)

	// FinalizeUpload assembles the recorded chunks into a complete
	// version and returns its backend version id and aux overrides.
	FinalizeUpload(ctx context.Context, name, handle string, chunks []ChunkAux, md core.Metadata) (version string, aux core.Aux, err error)

	// CancelUpload releases the backend reservation. Idempotent.
	CancelUpload(ctx context.Context, name, handle string) error

	// Address returns the backend-level key for (name, version), for
	// introspection and migration tooling.
	Address(name, version string) string
}

// PresignedBackend is an optional capability for backends that can hand out
// time-limited direct-download URLs, letting clients bypass the proxy path.
type PresignedBackend interface {
	Backend

	// PresignedGet returns a presigned URL for the version, or ok=false
	// when the backend declines (below threshold, feature disabled).
	PresignedGet(ctx context.Context, name, version string, nbytes int64, aux core.Aux) (url string, ok bool, err error)
}

// HashVerifyingBackend is an optional capability for backends that recompute
// content digests during upload finalization.
type HashVerifyingBackend interface {
	Backend

	// VerifiesFinalizeHashes reports whether FinalizeUpload checks the
	// assembled bytes against declared content-md5/content-sha256.
	VerifiesFinalizeHashes() bool
}

var versionEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewVersionID issues a random URL-safe version identifier. Identifiers are
// not semantically significant; 26 base32 characters carry 130 bits.
func NewVersionID() string {
	var buf [17]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return versionEncoding.EncodeToString(buf[:])[:26]
}
