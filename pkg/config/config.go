package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/storage/s3"
)

// Config is the complete service configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (HATRAC_*)
//  2. Configuration file (JSON or YAML)
//  3. Default values
//
// The loaded value is immutable after Load returns; handlers read from a
// shared read-only copy.
type Config struct {
	// ServicePrefix is the base URL path all resources live under.
	ServicePrefix string `mapstructure:"service_prefix" validate:"required,startswith=/"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`

	// MetricsAddr exposes Prometheus metrics when non-empty.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// DatabaseType selects the directory implementation.
	// Valid values: postgres, memory
	DatabaseType string `mapstructure:"database_type" validate:"required,oneof=postgres memory"`

	// DatabaseDSN is the PostgreSQL connection string.
	DatabaseDSN string `mapstructure:"database_dsn"`

	// DatabaseMaxRetries bounds serialization-conflict replays.
	DatabaseMaxRetries int `mapstructure:"database_max_retries" validate:"gte=0"`

	// AllowedURLCharClass overrides the safe path segment characters.
	AllowedURLCharClass string `mapstructure:"allowed_url_char_class"`

	// MaxRequestPayloadSize bounds PUT and chunk bodies, in bytes.
	MaxRequestPayloadSize int64 `mapstructure:"max_request_payload_size" validate:"gt=0"`

	// FirewallACLs are the service-wide access lists.
	FirewallACLs core.FirewallACLs `mapstructure:"firewall_acls"`

	// ReadOnly forces the mutating firewall ACLs empty.
	ReadOnly bool `mapstructure:"read_only"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// RateLimit bounds request intake; a zero rate disables limiting.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// StorageBackend selects the bulk storage implementation.
	// Valid values: filesystem, amazons3, overlay
	StorageBackend string `mapstructure:"storage_backend" validate:"required,oneof=filesystem amazons3 overlay"`

	// StoragePath is the filesystem backend root.
	StoragePath string `mapstructure:"storage_path"`

	// S3Config parameterizes the amazons3 backend.
	S3Config S3Config `mapstructure:"s3_config"`

	// OverlayBackends is the prioritized nested backend list for the
	// overlay backend; the first entry is the writable primary. Entries
	// are raw sections decoded per nested storage_backend type.
	OverlayBackends []map[string]any `mapstructure:"overlay_backends"`

	// ErrorTemplates maps status code keys to content-type keyed response
	// body templates. The legacy "<code>_html"/"<code>_plain" flat
	// shorthand is also accepted; the REST layer normalizes both forms.
	ErrorTemplates map[string]any `mapstructure:"error_templates"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// RateLimitConfig parameterizes the request token bucket.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained intake rate; zero disables.
	RequestsPerSecond int `mapstructure:"requests_per_second" validate:"gte=0"`

	// Burst is the bucket capacity; defaults to the sustained rate.
	Burst int `mapstructure:"burst" validate:"gte=0"`
}

// S3Config parameterizes the S3 backend.
type S3Config struct {
	// DefaultSession applies to buckets without their own session_config.
	DefaultSession s3.SessionConfig `mapstructure:"default_session"`

	// Buckets routes name prefixes to buckets.
	Buckets map[string]S3BucketConfig `mapstructure:"buckets"`

	// LegacyMapping is the old flat prefix-to-bucket-name form, merged
	// into Buckets with default settings during load.
	LegacyMapping map[string]string `mapstructure:"legacy_mapping"`
}

// S3BucketConfig is one routed bucket with optional session overrides.
type S3BucketConfig struct {
	s3.BucketConfig `mapstructure:",squash"`

	SessionConfig s3.SessionConfig `mapstructure:"session_config"`
	ClientConfig  s3.ClientConfig  `mapstructure:"client_config"`
}

// OverlayBackendConfig is one nested backend of an overlay composition.
type OverlayBackendConfig struct {
	StorageBackend string   `mapstructure:"storage_backend"`
	StoragePath    string   `mapstructure:"storage_path"`
	S3Config       S3Config `mapstructure:"s3_config"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variables and the config file search.
// Environment variables use the HATRAC_ prefix, e.g. HATRAC_LOGGING_LEVEL.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("HATRAC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.AddConfigPath("/etc/hatrac")
		v.SetConfigName("hatrac_config")
		v.SetConfigType("json")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the per-user configuration directory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "hatrac")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "hatrac")
}
