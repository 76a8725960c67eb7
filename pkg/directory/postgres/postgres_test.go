//go:build integration

package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/directory/postgres"
	"github.com/hatrac/hatrac/pkg/storage"
)

// setupTestDirectory connects to the database named by HATRAC_TEST_DSN and
// deploys a fresh schema. The test database is expected to be disposable.
func setupTestDirectory(t *testing.T) directory.Directory {
	t.Helper()
	dsn := os.Getenv("HATRAC_TEST_DSN")
	if dsn == "" {
		t.Skip("HATRAC_TEST_DSN not set; skipping postgres integration tests")
	}

	store, err := postgres.Open(dsn, 5)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Deploy(context.Background(), []string{"admin"}); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	return store
}

func TestPostgresNameLifecycle(t *testing.T) {
	d := setupTestDirectory(t)
	ctx := context.Background()
	admin := core.ClientContext{Client: "admin", Attributes: []string{"admin"}}

	ns, err := d.CreateName(ctx, admin, "/it-ns", false, false)
	if err != nil {
		t.Fatalf("CreateName failed: %v", err)
	}
	if ns.IsObject {
		t.Error("namespace created as object")
	}

	if _, err := d.CreateName(ctx, admin, "/it-ns", false, false); !core.IsKind(err, core.KindConflict) {
		t.Fatalf("duplicate create: got %v", err)
	}

	obj, err := d.CreateName(ctx, admin, "/it-ns/obj", true, false)
	if err != nil {
		t.Fatalf("object create failed: %v", err)
	}

	pending, err := d.CreateVersion(ctx, admin, obj.Name, core.Metadata{core.FieldContentType: "text/plain"})
	if err != nil {
		t.Fatalf("CreateVersion failed: %v", err)
	}
	v, err := d.CompleteVersion(ctx, pending.ID, storage.NewVersionID(), 14, core.Aux{})
	if err != nil {
		t.Fatalf("CompleteVersion failed: %v", err)
	}

	cur, err := d.CurrentVersion(ctx, obj.Name)
	if err != nil || cur.VersionID != v.VersionID {
		t.Fatalf("CurrentVersion = %v, %v", cur, err)
	}

	if _, err := d.DeleteVersion(ctx, admin, obj.Name, v.VersionID); err != nil {
		t.Fatalf("DeleteVersion failed: %v", err)
	}
	if _, err := d.CurrentVersion(ctx, obj.Name); !core.IsKind(err, core.KindConflict) {
		t.Fatalf("empty current: got %v", err)
	}

	if _, err := d.DeleteName(ctx, admin, "/it-ns/obj"); err != nil {
		t.Fatalf("object delete failed: %v", err)
	}
	if _, err := d.DeleteName(ctx, admin, "/it-ns"); err != nil {
		t.Fatalf("namespace delete failed: %v", err)
	}

	// kind is monotone across the tombstone
	if _, err := d.CreateName(ctx, admin, "/it-ns", true, false); !core.IsKind(err, core.KindConflict) {
		t.Fatalf("kind rebind: got %v", err)
	}
}

func TestPostgresUploadFinalizeOnce(t *testing.T) {
	d := setupTestDirectory(t)
	ctx := context.Background()
	admin := core.ClientContext{Client: "admin", Attributes: []string{"admin"}}

	if _, err := d.CreateName(ctx, admin, "/it-up", false, false); err != nil {
		t.Fatalf("namespace create failed: %v", err)
	}
	if _, err := d.CreateName(ctx, admin, "/it-up/obj", true, false); err != nil {
		t.Fatalf("object create failed: %v", err)
	}

	u, err := d.CreateUpload(ctx, admin, "/it-up/obj", "job-1", "handle-1", 5, 14, nil)
	if err != nil {
		t.Fatalf("CreateUpload failed: %v", err)
	}
	for p := int64(0); p < u.TotalChunks(); p++ {
		if err := d.RecordChunk(ctx, u, storage.ChunkAux{Position: p, ETag: "e"}); err != nil {
			t.Fatalf("RecordChunk failed: %v", err)
		}
	}

	if _, err := d.FinalizeUpload(ctx, admin, u, storage.NewVersionID(), 14, core.Aux{}); err != nil {
		t.Fatalf("FinalizeUpload failed: %v", err)
	}
	if _, err := d.FinalizeUpload(ctx, admin, u, storage.NewVersionID(), 14, core.Aux{}); !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("second finalize: got %v", err)
	}
}
