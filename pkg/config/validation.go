package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/hatrac/hatrac/pkg/urlpath"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules covers rules that cannot be expressed in tags.
func validateCustomRules(cfg *Config) error {
	if cfg.DatabaseType == "postgres" && cfg.DatabaseDSN == "" {
		return fmt.Errorf("database_dsn: required for database_type postgres")
	}

	if _, err := urlpath.NewCodec(cfg.AllowedURLCharClass); err != nil {
		return fmt.Errorf("allowed_url_char_class: %w", err)
	}

	switch cfg.StorageBackend {
	case "filesystem":
		if cfg.StoragePath == "" {
			return fmt.Errorf("storage_path: required for the filesystem backend")
		}
	case "amazons3":
		if len(cfg.S3Config.Buckets) == 0 {
			return fmt.Errorf("s3_config.buckets: at least one bucket route is required")
		}
		for prefix, bucket := range cfg.S3Config.Buckets {
			if bucket.BucketName == "" {
				return fmt.Errorf("s3_config.buckets[%q]: bucket_name is required", prefix)
			}
		}
	case "overlay":
		nested, err := decodeOverlayBackends(cfg)
		if err != nil {
			return err
		}
		if len(nested) == 0 {
			return fmt.Errorf("overlay_backends: at least one nested backend is required")
		}
		for i, n := range nested {
			switch n.StorageBackend {
			case "filesystem":
				if n.StoragePath == "" {
					return fmt.Errorf("overlay_backends[%d]: storage_path is required", i)
				}
			case "amazons3":
				if len(n.S3Config.Buckets) == 0 && len(n.S3Config.LegacyMapping) == 0 {
					return fmt.Errorf("overlay_backends[%d]: s3_config.buckets is required", i)
				}
			default:
				return fmt.Errorf("overlay_backends[%d]: unknown storage_backend %q", i, n.StorageBackend)
			}
		}
	}

	return nil
}

// formatValidationError converts validator errors into readable messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
