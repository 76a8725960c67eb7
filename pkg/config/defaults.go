package config

import (
	"strings"
	"time"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/storage/s3"
	"github.com/hatrac/hatrac/pkg/urlpath"
)

// Default values applied for any setting the sources leave unset.
const (
	DefaultServicePrefix         = "/hatrac"
	DefaultListenAddr            = ":8080"
	DefaultShutdownTimeout       = 30 * time.Second
	DefaultDatabaseType          = "postgres"
	DefaultDatabaseMaxRetries    = 5
	DefaultMaxRequestPayloadSize = int64(128 << 20) // 128 MiB
	DefaultStorageBackend        = "filesystem"
	DefaultStoragePath           = "/var/lib/hatrac"
)

// ApplyDefaults fills missing values and normalizes loaded settings.
func ApplyDefaults(cfg *Config) {
	if cfg.ServicePrefix == "" {
		cfg.ServicePrefix = DefaultServicePrefix
	}
	cfg.ServicePrefix = strings.TrimSuffix(cfg.ServicePrefix, "/")
	if cfg.ServicePrefix == "" {
		cfg.ServicePrefix = "/"
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.DatabaseType == "" {
		cfg.DatabaseType = DefaultDatabaseType
	}
	if cfg.DatabaseMaxRetries == 0 {
		cfg.DatabaseMaxRetries = DefaultDatabaseMaxRetries
	}
	if cfg.AllowedURLCharClass == "" {
		cfg.AllowedURLCharClass = urlpath.DefaultCharClass
	}
	if cfg.MaxRequestPayloadSize == 0 {
		cfg.MaxRequestPayloadSize = DefaultMaxRequestPayloadSize
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = DefaultStorageBackend
	}
	if cfg.StorageBackend == "filesystem" && cfg.StoragePath == "" {
		cfg.StoragePath = DefaultStoragePath
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	// read_only overrides the mutating firewall defaults to empty lists
	if cfg.ReadOnly {
		cfg.FirewallACLs.Create = core.ACL{}
		cfg.FirewallACLs.Delete = core.ACL{}
		cfg.FirewallACLs.ManageACLs = core.ACL{}
		cfg.FirewallACLs.ManageMetadata = core.ACL{}
	} else {
		if cfg.FirewallACLs.Create == nil {
			cfg.FirewallACLs.Create = core.ACL{core.ACLWildcard}
		}
		if cfg.FirewallACLs.Delete == nil {
			cfg.FirewallACLs.Delete = core.ACL{core.ACLWildcard}
		}
		if cfg.FirewallACLs.ManageACLs == nil {
			cfg.FirewallACLs.ManageACLs = core.ACL{core.ACLWildcard}
		}
		if cfg.FirewallACLs.ManageMetadata == nil {
			cfg.FirewallACLs.ManageMetadata = core.ACL{core.ACLWildcard}
		}
	}

	// fold the legacy flat bucket mapping into the routed bucket table
	if len(cfg.S3Config.LegacyMapping) > 0 {
		if cfg.S3Config.Buckets == nil {
			cfg.S3Config.Buckets = make(map[string]S3BucketConfig, len(cfg.S3Config.LegacyMapping))
		}
		for prefix, bucketName := range cfg.S3Config.LegacyMapping {
			if _, ok := cfg.S3Config.Buckets[prefix]; !ok {
				cfg.S3Config.Buckets[prefix] = S3BucketConfig{
					BucketConfig: s3.BucketConfig{BucketName: bucketName},
				}
			}
		}
	}
}
