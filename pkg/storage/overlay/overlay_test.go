package overlay

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/storage"
	"github.com/hatrac/hatrac/pkg/storage/filesystem"
)

func newOverlay(t *testing.T) (*Store, *filesystem.Store, *filesystem.Store) {
	t.Helper()
	primary, err := filesystem.New(t.TempDir())
	if err != nil {
		t.Fatalf("primary: %v", err)
	}
	secondary, err := filesystem.New(t.TempDir())
	if err != nil {
		t.Fatalf("secondary: %v", err)
	}
	o, err := New(primary, secondary)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o, primary, secondary
}

func TestReadFallsThroughToSecondary(t *testing.T) {
	o, _, secondary := newOverlay(t)
	ctx := context.Background()
	body := []byte("archived content")

	version, _, err := secondary.CreateFromStream(ctx, "/ns/old", bytes.NewReader(body), int64(len(body)), nil)
	if err != nil {
		t.Fatalf("seeding secondary failed: %v", err)
	}

	content, err := o.GetStream(ctx, "/ns/old", version, int64(len(body)), nil, core.Aux{})
	if err != nil {
		t.Fatalf("GetStream failed: %v", err)
	}
	defer content.Body.Close()
	got, _ := io.ReadAll(content.Body)
	if !bytes.Equal(got, body) {
		t.Errorf("fallthrough read = %q", got)
	}
}

func TestWritesGoToPrimary(t *testing.T) {
	o, primary, secondary := newOverlay(t)
	ctx := context.Background()
	body := []byte("new content")

	version, _, err := o.CreateFromStream(ctx, "/ns/new", bytes.NewReader(body), int64(len(body)), nil)
	if err != nil {
		t.Fatalf("CreateFromStream failed: %v", err)
	}

	if _, err := primary.GetStream(ctx, "/ns/new", version, int64(len(body)), nil, core.Aux{}); err != nil {
		t.Errorf("content missing from primary: %v", err)
	}
	if _, err := secondary.GetStream(ctx, "/ns/new", version, int64(len(body)), nil, core.Aux{}); !core.IsKind(err, core.KindNotFound) {
		t.Errorf("content unexpectedly present in secondary: %v", err)
	}
}

func TestMissingEverywhereIsNotFound(t *testing.T) {
	o, _, _ := newOverlay(t)
	_, err := o.GetStream(context.Background(), "/ns/x", "V", 1, nil, core.Aux{})
	if !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeleteToleratesSecondaryOnlyContent(t *testing.T) {
	o, _, secondary := newOverlay(t)
	ctx := context.Background()
	body := []byte("x")
	version, _, _ := secondary.CreateFromStream(ctx, "/ns/o", bytes.NewReader(body), 1, nil)

	if err := o.Delete(ctx, "/ns/o", version, core.Aux{}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	// secondary untouched
	if _, err := secondary.GetStream(ctx, "/ns/o", version, 1, nil, core.Aux{}); err != nil {
		t.Errorf("secondary content deleted: %v", err)
	}
}

var _ storage.PresignedBackend = (*Store)(nil)
var _ storage.HashVerifyingBackend = (*Store)(nil)
