package config

import (
	"context"
	"fmt"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/directory/memory"
	"github.com/hatrac/hatrac/pkg/directory/postgres"
	"github.com/hatrac/hatrac/pkg/storage"
	"github.com/hatrac/hatrac/pkg/storage/filesystem"
	"github.com/hatrac/hatrac/pkg/storage/overlay"
	"github.com/hatrac/hatrac/pkg/storage/s3"
)

// CreateDirectory builds the configured metadata store.
func CreateDirectory(ctx context.Context, cfg *Config) (directory.Directory, error) {
	switch cfg.DatabaseType {
	case "postgres":
		store, err := postgres.Open(cfg.DatabaseDSN, cfg.DatabaseMaxRetries)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres directory: %w", err)
		}
		return store, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown database_type %q", cfg.DatabaseType)
	}
}

// CreateBackend builds the configured storage backend.
func CreateBackend(ctx context.Context, cfg *Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "filesystem":
		return createFilesystemBackend(cfg.StoragePath)
	case "amazons3":
		return createS3Backend(ctx, cfg.S3Config)
	case "overlay":
		return createOverlayBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage_backend %q", cfg.StorageBackend)
	}
}

func createFilesystemBackend(path string) (storage.Backend, error) {
	store, err := filesystem.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize filesystem backend: %w", err)
	}
	return store, nil
}

func createS3Backend(ctx context.Context, cfg S3Config) (storage.Backend, error) {
	buckets := make(map[string]s3.BucketConfig, len(cfg.Buckets))
	clients := make(map[string]*awss3.Client, len(cfg.Buckets))

	for prefix, bucket := range cfg.Buckets {
		session := bucket.SessionConfig
		if session == (s3.SessionConfig{}) {
			session = cfg.DefaultSession
		}
		client, err := s3.NewClient(ctx, session, bucket.ClientConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client for route %q: %w", prefix, err)
		}
		buckets[prefix] = bucket.BucketConfig
		clients[prefix] = client
	}

	store, err := s3.New(buckets, clients)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}
	return store, nil
}

// createOverlayBackend instantiates each nested backend section in order.
func createOverlayBackend(ctx context.Context, cfg *Config) (storage.Backend, error) {
	nested, err := decodeOverlayBackends(cfg)
	if err != nil {
		return nil, err
	}
	if len(nested) == 0 {
		return nil, fmt.Errorf("overlay_backends: at least one nested backend is required")
	}

	backends := make([]storage.Backend, 0, len(nested))
	for i, n := range nested {
		var backend storage.Backend
		switch n.StorageBackend {
		case "filesystem":
			backend, err = createFilesystemBackend(n.StoragePath)
		case "amazons3":
			s3cfg := n.S3Config
			if s3cfg.DefaultSession == (s3.SessionConfig{}) {
				s3cfg.DefaultSession = cfg.S3Config.DefaultSession
			}
			applyLegacyMapping(&s3cfg)
			backend, err = createS3Backend(ctx, s3cfg)
		default:
			err = fmt.Errorf("unknown storage_backend %q", n.StorageBackend)
		}
		if err != nil {
			return nil, fmt.Errorf("overlay_backends[%d]: %w", i, err)
		}
		backends = append(backends, backend)
	}

	return overlay.New(backends...)
}

// decodeOverlayBackends decodes the raw nested sections.
func decodeOverlayBackends(cfg *Config) ([]OverlayBackendConfig, error) {
	out := make([]OverlayBackendConfig, 0, len(cfg.OverlayBackends))
	for i, raw := range cfg.OverlayBackends {
		var nested OverlayBackendConfig
		if err := mapstructure.Decode(raw, &nested); err != nil {
			return nil, fmt.Errorf("overlay_backends[%d]: invalid section: %w", i, err)
		}
		out = append(out, nested)
	}
	return out, nil
}

// applyLegacyMapping folds a nested section's legacy bucket mapping.
func applyLegacyMapping(cfg *S3Config) {
	if len(cfg.LegacyMapping) == 0 {
		return
	}
	if cfg.Buckets == nil {
		cfg.Buckets = make(map[string]S3BucketConfig, len(cfg.LegacyMapping))
	}
	for prefix, bucketName := range cfg.LegacyMapping {
		if _, ok := cfg.Buckets[prefix]; !ok {
			cfg.Buckets[prefix] = S3BucketConfig{
				BucketConfig: s3.BucketConfig{BucketName: bucketName},
			}
		}
	}
}
