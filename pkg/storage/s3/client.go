package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// SessionConfig carries the AWS session settings for one bucket route.
type SessionConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// ClientConfig carries S3 client tuning for one bucket route.
type ClientConfig struct {
	ForcePathStyle bool `mapstructure:"force_path_style"`
}

// NewClient builds an S3 client from session and client settings. Custom
// endpoints (MinIO, Localstack) force path-style addressing.
func NewClient(ctx context.Context, session SessionConfig, client ClientConfig) (*awss3.Client, error) {
	var opts []func(*awsConfig.LoadOptions) error

	if session.Region != "" {
		opts = append(opts, awsConfig.WithRegion(session.Region))
	}

	if session.AccessKeyID != "" && session.SecretAccessKey != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				session.AccessKeyID,
				session.SecretAccessKey,
				"",
			)))
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if session.Endpoint != "" {
			o.BaseEndpoint = aws.String(session.Endpoint)
			o.UsePathStyle = true
		}
		if client.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}
