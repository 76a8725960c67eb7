package filesystem

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func digests(body []byte) core.Metadata {
	md5sum := md5.Sum(body)
	shasum := sha256.Sum256(body)
	return core.Metadata{
		core.FieldContentMD5:    base64.StdEncoding.EncodeToString(md5sum[:]),
		core.FieldContentSHA256: base64.StdEncoding.EncodeToString(shasum[:]),
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	body := []byte("hello, world!\n")

	version, aux, err := s.CreateFromStream(ctx, "/ns-X/obj1", bytes.NewReader(body), int64(len(body)), digests(body))
	if err != nil {
		t.Fatalf("CreateFromStream failed: %v", err)
	}
	if !aux.IsZero() {
		t.Errorf("filesystem backend returned aux %+v", aux)
	}
	if len(version) != 26 {
		t.Errorf("version id %q has unexpected length", version)
	}

	content, err := s.GetStream(ctx, "/ns-X/obj1", version, int64(len(body)), nil, core.Aux{})
	if err != nil {
		t.Fatalf("GetStream failed: %v", err)
	}
	defer content.Body.Close()
	got, err := io.ReadAll(content.Body)
	if err != nil {
		t.Fatalf("reading content failed: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("round-trip mismatch: %q", got)
	}
	if content.Size != int64(len(body)) {
		t.Errorf("Size = %d, want %d", content.Size, len(body))
	}
}

func TestCreateRejectsDigestMismatch(t *testing.T) {
	s := newStore(t)
	body := []byte("hello, world!\n")
	md := digests([]byte("different content"))

	_, _, err := s.CreateFromStream(context.Background(), "/o", bytes.NewReader(body), int64(len(body)), md)
	if !core.IsKind(err, core.KindBadRequest) {
		t.Fatalf("expected BadRequest on digest mismatch, got %v", err)
	}
}

func TestCreateRejectsShortStream(t *testing.T) {
	s := newStore(t)
	_, _, err := s.CreateFromStream(context.Background(), "/o", strings.NewReader("abc"), 10, nil)
	if !core.IsKind(err, core.KindBadRequest) {
		t.Fatalf("expected BadRequest on short stream, got %v", err)
	}
}

func TestGetStreamRange(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	body := []byte("hello, world!\n")
	version, _, err := s.CreateFromStream(ctx, "/o", bytes.NewReader(body), int64(len(body)), nil)
	if err != nil {
		t.Fatalf("CreateFromStream failed: %v", err)
	}

	content, err := s.GetStream(ctx, "/o", version, int64(len(body)), &storage.ByteRange{First: 5, Last: 10}, core.Aux{})
	if err != nil {
		t.Fatalf("GetStream(range) failed: %v", err)
	}
	defer content.Body.Close()
	got, _ := io.ReadAll(content.Body)
	if string(got) != ", worl" {
		t.Errorf("range read = %q, want %q", got, ", worl")
	}
	if content.Size != 6 {
		t.Errorf("Size = %d, want 6", content.Size)
	}
}

func TestGetStreamMissingVersion(t *testing.T) {
	s := newStore(t)
	_, err := s.GetStream(context.Background(), "/o", "NOPE", 0, nil, core.Aux{})
	if !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	body := []byte("x")
	version, _, _ := s.CreateFromStream(ctx, "/o", bytes.NewReader(body), 1, nil)

	if err := s.Delete(ctx, "/o", version, core.Aux{}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, "/o", version, core.Aux{}); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
}

func TestChunkedUploadLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// 2 full chunks of 5 bytes plus a 4-byte tail
	body := []byte("aaaaabbbbbcccc")
	const chunkLen = 5
	md := digests(body)

	handle, err := s.CreateUpload(ctx, "/ns/obj", int64(len(body)), md)
	if err != nil {
		t.Fatalf("CreateUpload failed: %v", err)
	}

	var chunks []storage.ChunkAux
	// write out of order to exercise seeking
	for _, pos := range []int64{2, 0, 1} {
		start := pos * chunkLen
		end := start + chunkLen
		if end > int64(len(body)) {
			end = int64(len(body))
		}
		aux, err := s.UploadChunk(ctx, "/ns/obj", handle, pos, chunkLen, end-start, bytes.NewReader(body[start:end]))
		if err != nil {
			t.Fatalf("UploadChunk(%d) failed: %v", pos, err)
		}
		chunks = append(chunks, aux)
	}

	version, _, err := s.FinalizeUpload(ctx, "/ns/obj", handle, chunks, md)
	if err != nil {
		t.Fatalf("FinalizeUpload failed: %v", err)
	}

	content, err := s.GetStream(ctx, "/ns/obj", version, int64(len(body)), nil, core.Aux{})
	if err != nil {
		t.Fatalf("GetStream failed: %v", err)
	}
	defer content.Body.Close()
	got, _ := io.ReadAll(content.Body)
	if !bytes.Equal(got, body) {
		t.Errorf("assembled content = %q, want %q", got, body)
	}
}

func TestFinalizeRejectsDigestMismatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	body := []byte("aaaaabbbbb")

	handle, err := s.CreateUpload(ctx, "/o", int64(len(body)), nil)
	if err != nil {
		t.Fatalf("CreateUpload failed: %v", err)
	}
	if _, err := s.UploadChunk(ctx, "/o", handle, 0, 10, 10, bytes.NewReader(body)); err != nil {
		t.Fatalf("UploadChunk failed: %v", err)
	}

	_, _, err = s.FinalizeUpload(ctx, "/o", handle, nil, digests([]byte("other")))
	if !core.IsKind(err, core.KindConflict) {
		t.Fatalf("expected Conflict on assembled digest mismatch, got %v", err)
	}
}

func TestCancelUpload(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	handle, err := s.CreateUpload(ctx, "/o", 10, nil)
	if err != nil {
		t.Fatalf("CreateUpload failed: %v", err)
	}
	if err := s.CancelUpload(ctx, "/o", handle); err != nil {
		t.Fatalf("CancelUpload failed: %v", err)
	}
	// cancel again: idempotent
	if err := s.CancelUpload(ctx, "/o", handle); err != nil {
		t.Fatalf("second CancelUpload failed: %v", err)
	}
	if _, err := s.UploadChunk(ctx, "/o", handle, 0, 5, 5, strings.NewReader("xxxxx")); !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected NotFound after cancel, got %v", err)
	}
}

func TestAddressIsStable(t *testing.T) {
	s := newStore(t)
	a1 := s.Address("/ns/obj", "V1")
	a2 := s.Address("/ns/obj", "V1")
	if a1 != a2 {
		t.Errorf("Address not stable: %q vs %q", a1, a2)
	}
	if a1 == s.Address("/ns/obj", "V2") {
		t.Error("distinct versions share an address")
	}
}
