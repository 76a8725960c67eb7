package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/hatrac/hatrac/pkg/core"
)

func writeConfigFile(t *testing.T, name string, doc map[string]any) string {
	t.Helper()
	raw, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func minimalDoc() map[string]any {
	return map[string]any{
		"database_type": "memory",
		"storage_path":  "/tmp/hatrac-test",
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, "hatrac.yaml", minimalDoc()))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ServicePrefix != "/hatrac" {
		t.Errorf("ServicePrefix = %q", cfg.ServicePrefix)
	}
	if cfg.MaxRequestPayloadSize != 128<<20 {
		t.Errorf("MaxRequestPayloadSize = %d", cfg.MaxRequestPayloadSize)
	}
	if cfg.DatabaseMaxRetries != 5 {
		t.Errorf("DatabaseMaxRetries = %d", cfg.DatabaseMaxRetries)
	}
	if cfg.StorageBackend != "filesystem" {
		t.Errorf("StorageBackend = %q", cfg.StorageBackend)
	}
	if !cfg.FirewallACLs.Create.Contains(core.ACLWildcard) {
		t.Errorf("firewall create = %v", cfg.FirewallACLs.Create)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestReadOnlyEmptiesMutatingFirewalls(t *testing.T) {
	doc := minimalDoc()
	doc["read_only"] = true
	doc["firewall_acls"] = map[string]any{"create": []string{"admin"}}

	cfg, err := Load(writeConfigFile(t, "hatrac.yaml", doc))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for name, acl := range map[string]core.ACL{
		"create":          cfg.FirewallACLs.Create,
		"delete":          cfg.FirewallACLs.Delete,
		"manage_acls":     cfg.FirewallACLs.ManageACLs,
		"manage_metadata": cfg.FirewallACLs.ManageMetadata,
	} {
		if len(acl) != 0 {
			t.Errorf("read_only left firewall %s = %v", name, acl)
		}
	}
}

func TestPostgresRequiresDSN(t *testing.T) {
	doc := minimalDoc()
	doc["database_type"] = "postgres"

	if _, err := Load(writeConfigFile(t, "hatrac.yaml", doc)); err == nil {
		t.Fatal("postgres without DSN accepted")
	}
}

func TestInvalidCharClassRejected(t *testing.T) {
	doc := minimalDoc()
	doc["allowed_url_char_class"] = "z-a"

	if _, err := Load(writeConfigFile(t, "hatrac.yaml", doc)); err == nil {
		t.Fatal("invalid char class accepted")
	}
}

func TestS3BackendRequiresBuckets(t *testing.T) {
	doc := minimalDoc()
	doc["storage_backend"] = "amazons3"

	if _, err := Load(writeConfigFile(t, "hatrac.yaml", doc)); err == nil {
		t.Fatal("amazons3 without buckets accepted")
	}
}

func TestLegacyMappingFoldsIntoBuckets(t *testing.T) {
	doc := minimalDoc()
	doc["storage_backend"] = "amazons3"
	doc["s3_config"] = map[string]any{
		"legacy_mapping": map[string]string{"/": "old-bucket"},
	}

	cfg, err := Load(writeConfigFile(t, "hatrac.yaml", doc))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	bucket, ok := cfg.S3Config.Buckets["/"]
	if !ok || bucket.BucketName != "old-bucket" {
		t.Errorf("legacy mapping not folded: %+v", cfg.S3Config.Buckets)
	}
}

func TestOverlayValidation(t *testing.T) {
	doc := minimalDoc()
	doc["storage_backend"] = "overlay"
	if _, err := Load(writeConfigFile(t, "hatrac.yaml", doc)); err == nil {
		t.Fatal("overlay without nested backends accepted")
	}

	doc["overlay_backends"] = []map[string]any{
		{"storage_backend": "filesystem", "storage_path": "/tmp/primary"},
		{"storage_backend": "amazons3", "s3_config": map[string]any{
			"buckets": map[string]any{"/": map[string]any{"bucket_name": "b"}},
		}},
	}
	if _, err := Load(writeConfigFile(t, "hatrac.yaml", doc)); err != nil {
		t.Fatalf("valid overlay rejected: %v", err)
	}
}

func TestErrorTemplatesPassThrough(t *testing.T) {
	doc := minimalDoc()
	doc["error_templates"] = map[string]any{
		"404": map[string]string{
			"text/html": "<h1>{{.Title}}</h1>",
			"default":   "{{.Code}} {{.Title}}",
		},
		"409_plain": "conflict: {{.Description}}",
	}
	cfg, err := Load(writeConfigFile(t, "hatrac.yaml", doc))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := cfg.ErrorTemplates["404"]; !ok {
		t.Errorf("templates = %+v", cfg.ErrorTemplates)
	}
	if _, ok := cfg.ErrorTemplates["409_plain"]; !ok {
		t.Errorf("legacy template missing: %+v", cfg.ErrorTemplates)
	}
}
