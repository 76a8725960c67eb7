// Package filesystem implements POSIX filesystem bulk storage.
//
// A configured root directory, object name, and version id combine into a
// two-level layout:
//
//	<root>/<hh>/<escaped-name>:<version>
//
// where <hh> is a hash prefix spreading entries across subdirectories. The
// layout is reproducible from (name, version) alone, so no extra index is
// needed. Chunked uploads assemble into a sparse temp file under
// <root>/uploads and move into place on finalize.
package filesystem

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/storage"
)

const (
	uploadsDir = "uploads"
	tmpDir     = "tmp"
	copyBuf    = 1 << 20
)

// Store is the filesystem backend.
type Store struct {
	root string
}

var _ storage.HashVerifyingBackend = (*Store)(nil)

// New creates the backend rooted at dir, creating the working directories.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	for _, sub := range []string{"", uploadsDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return &Store{root: dir}, nil
}

// Address returns the root-relative key for (name, version).
func (s *Store) Address(name, version string) string {
	file := escapeName(name) + ":" + version
	sum := sha256.Sum256([]byte(file))
	return filepath.Join(hex.EncodeToString(sum[:1]), file)
}

func (s *Store) fullPath(name, version string) string {
	return filepath.Join(s.root, s.Address(name, version))
}

// escapeName flattens a hierarchical name into a single filename component.
func escapeName(name string) string {
	return url.QueryEscape(strings.TrimPrefix(name, "/"))
}

// CreateFromStream writes the stream to a temp file and publishes it with an
// atomic rename. Declared digests are verified during the copy; a mismatch
// is a validation failure.
func (s *Store) CreateFromStream(ctx context.Context, name string, r io.Reader, nbytes int64, md core.Metadata) (string, core.Aux, error) {
	version := storage.NewVersionID()

	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "put-*")
	if err != nil {
		return "", core.Aux{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := copyExactly(ctx, tmp, r, nbytes, md, core.KindBadRequest); err != nil {
		return "", core.Aux{}, err
	}
	if err := tmp.Close(); err != nil {
		return "", core.Aux{}, fmt.Errorf("failed to flush temp file: %w", err)
	}

	dst := s.fullPath(name, version)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", core.Aux{}, fmt.Errorf("failed to create version directory: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", core.Aux{}, fmt.Errorf("failed to publish version file: %w", err)
	}
	return version, core.Aux{}, nil
}

// effective applies the aux hname/hversion addressing overrides.
func effective(name, version string, aux core.Aux) (string, string) {
	if aux.HName != "" {
		name = aux.HName
	}
	if aux.HVersion != "" {
		version = aux.HVersion
	}
	return name, version
}

// GetStream opens the version file, optionally restricted to a byte range.
func (s *Store) GetStream(ctx context.Context, name, version string, nbytes int64, rng *storage.ByteRange, aux core.Aux) (*storage.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	storedName, storedVersion := effective(name, version, aux)
	f, err := os.Open(s.fullPath(storedName, storedVersion))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NotFoundf("object version %s:%s has no stored content", name, version)
		}
		return nil, fmt.Errorf("failed to open version file: %w", err)
	}

	if rng == nil {
		return &storage.Content{Body: f, Size: nbytes}, nil
	}

	if _, err := f.Seek(rng.First, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek version file: %w", err)
	}
	return &storage.Content{
		Body: &limitedFile{Reader: io.LimitReader(f, rng.Length()), f: f},
		Size: rng.Length(),
	}, nil
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error { return l.f.Close() }

// Delete removes the version file. Absent files are not an error.
func (s *Store) Delete(ctx context.Context, name, version string, aux core.Aux) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	storedName, storedVersion := effective(name, version, aux)
	if err := os.Remove(s.fullPath(storedName, storedVersion)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete version file: %w", err)
	}
	return nil
}

// DeleteNamespace is a no-op: the hashed layout has no per-namespace
// directories to tidy.
func (s *Store) DeleteNamespace(ctx context.Context, name string) error {
	return ctx.Err()
}

// CreateUpload preallocates a sparse file of the declared size and returns
// its handle.
func (s *Store) CreateUpload(ctx context.Context, name string, nbytes int64, md core.Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle := storage.NewVersionID()
	f, err := os.OpenFile(s.uploadPath(handle), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(nbytes); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to preallocate upload file: %w", err)
	}
	return handle, nil
}

func (s *Store) uploadPath(handle string) string {
	return filepath.Join(s.root, uploadsDir, handle)
}

// UploadChunk seeks to position*chunkLength and writes exactly size bytes.
// Retransmission of the same position overwrites in place.
func (s *Store) UploadChunk(ctx context.Context, name, handle string, position, chunkLength, size int64, r io.Reader) (storage.ChunkAux, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChunkAux{}, err
	}

	f, err := os.OpenFile(s.uploadPath(handle), os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ChunkAux{}, core.NotFoundf("upload %s not found", handle)
		}
		return storage.ChunkAux{}, fmt.Errorf("failed to open upload file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(position*chunkLength, io.SeekStart); err != nil {
		return storage.ChunkAux{}, fmt.Errorf("failed to seek upload file: %w", err)
	}
	if err := copyExactly(ctx, f, r, size, nil, core.KindBadRequest); err != nil {
		return storage.ChunkAux{}, err
	}
	return storage.ChunkAux{Position: position}, nil
}

// FinalizeUpload verifies declared digests over the assembled file and moves
// it into place.
func (s *Store) FinalizeUpload(ctx context.Context, name, handle string, chunks []storage.ChunkAux, md core.Metadata) (string, core.Aux, error) {
	if err := ctx.Err(); err != nil {
		return "", core.Aux{}, err
	}

	src := s.uploadPath(handle)
	if err := verifyFileDigests(src, md); err != nil {
		return "", core.Aux{}, err
	}

	version := storage.NewVersionID()
	dst := s.fullPath(name, version)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", core.Aux{}, fmt.Errorf("failed to create version directory: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return "", core.Aux{}, core.NotFoundf("upload %s not found", handle)
		}
		return "", core.Aux{}, fmt.Errorf("failed to publish upload: %w", err)
	}
	return version, core.Aux{}, nil
}

// VerifiesFinalizeHashes reports that finalize checks assembled content
// digests.
func (s *Store) VerifiesFinalizeHashes() bool { return true }

// CancelUpload removes the working file. Idempotent.
func (s *Store) CancelUpload(ctx context.Context, name, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.uploadPath(handle)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove upload file: %w", err)
	}
	return nil
}

// copyExactly streams exactly nbytes from r to w, verifying any declared
// digests in md. Digest mismatches carry mismatchKind so callers can choose
// the 400-vs-409 taxonomy of their operation.
func copyExactly(ctx context.Context, w io.Writer, r io.Reader, nbytes int64, md core.Metadata, mismatchKind core.ErrorKind) error {
	var md5h, sha256h hash.Hash
	sink := w
	if md.Get(core.FieldContentMD5) != "" {
		md5h = md5.New()
		sink = io.MultiWriter(sink, md5h)
	}
	if md.Get(core.FieldContentSHA256) != "" {
		sha256h = sha256.New()
		sink = io.MultiWriter(sink, sha256h)
	}

	written := int64(0)
	buf := make([]byte, copyBuf)
	for written < nbytes {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := int64(len(buf))
		if remaining := nbytes - written; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(r, buf[:want])
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write content: %w", werr)
			}
			written += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if written < nbytes {
				return core.BadRequestf("only received %d of %d expected bytes", written, nbytes)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
	}

	if md5h != nil {
		got := base64.StdEncoding.EncodeToString(md5h.Sum(nil))
		if got != md.Get(core.FieldContentMD5) {
			return core.NewError(mismatchKind, "content-md5 mismatch: computed %s", got)
		}
	}
	if sha256h != nil {
		got := base64.StdEncoding.EncodeToString(sha256h.Sum(nil))
		if got != md.Get(core.FieldContentSHA256) {
			return core.NewError(mismatchKind, "content-sha256 mismatch: computed %s", got)
		}
	}
	return nil
}

// verifyFileDigests streams an assembled upload once, checking declared
// digests. Mismatches are conflicts per the chunked-upload contract.
func verifyFileDigests(path string, md core.Metadata) error {
	wantMD5 := md.Get(core.FieldContentMD5)
	wantSHA := md.Get(core.FieldContentSHA256)
	if wantMD5 == "" && wantSHA == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.NotFoundf("upload content not found")
		}
		return fmt.Errorf("failed to open upload for verification: %w", err)
	}
	defer f.Close()

	md5h := md5.New()
	sha256h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(md5h, sha256h), f); err != nil {
		return fmt.Errorf("failed to verify upload digests: %w", err)
	}

	if wantMD5 != "" {
		if got := base64.StdEncoding.EncodeToString(md5h.Sum(nil)); got != wantMD5 {
			return core.Conflictf("content-md5 mismatch on assembled upload: computed %s", got)
		}
	}
	if wantSHA != "" {
		if got := base64.StdEncoding.EncodeToString(sha256h.Sum(nil)); got != wantSHA {
			return core.Conflictf("content-sha256 mismatch on assembled upload: computed %s", got)
		}
	}
	return nil
}
