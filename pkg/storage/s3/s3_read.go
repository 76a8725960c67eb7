package s3

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/storage"
)

// GetStream downloads the stored bytes, optionally restricted to a byte
// range. The aux record's backend version id addresses the exact historical
// object in versioned buckets.
func (s *Store) GetStream(ctx context.Context, name, version string, nbytes int64, rng *storage.ByteRange, aux core.Aux) (*storage.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := s.route(name)
	if err != nil {
		return nil, err
	}

	input := &awss3.GetObjectInput{
		Bucket: aws.String(b.cfg.BucketName),
		Key:    aws.String(b.key(effectiveName(name, aux), effectiveVersion(version, aux))),
	}
	if aux.Version != "" {
		input.VersionId = aws.String(aux.Version)
	}
	if rng != nil {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.First, rng.Last))
	}

	result, err := b.client.GetObject(ctx, input)
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, core.NotFoundf("object version %s:%s has no stored content", name, version)
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}

	size := nbytes
	if rng != nil {
		size = rng.Length()
	} else if result.ContentLength != nil {
		size = *result.ContentLength
	}

	return &storage.Content{Body: result.Body, Size: size}, nil
}

// PresignedGet returns a time-limited direct-download URL when the version
// size reaches the configured threshold for its bucket.
func (s *Store) PresignedGet(ctx context.Context, name, version string, nbytes int64, aux core.Aux) (string, bool, error) {
	b, err := s.route(name)
	if err != nil {
		return "", false, err
	}
	if b.cfg.PresignedURLThreshold <= 0 || nbytes < b.cfg.PresignedURLThreshold {
		return "", false, nil
	}

	expiry := time.Duration(b.cfg.PresignedURLExpirationSecs) * time.Second
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}

	input := &awss3.GetObjectInput{
		Bucket: aws.String(b.cfg.BucketName),
		Key:    aws.String(b.key(effectiveName(name, aux), effectiveVersion(version, aux))),
	}
	if aux.Version != "" {
		input.VersionId = aws.String(aux.Version)
	}

	presigner := awss3.NewPresignClient(b.client)
	req, err := presigner.PresignGetObject(ctx, input, awss3.WithPresignExpires(expiry))
	if err != nil {
		return "", false, fmt.Errorf("failed to presign GET: %w", err)
	}
	return req.URL, true, nil
}

// effectiveName applies the aux hname addressing override.
func effectiveName(name string, aux core.Aux) string {
	if aux.HName != "" {
		return aux.HName
	}
	return name
}

// effectiveVersion applies the aux hversion addressing override.
func effectiveVersion(version string, aux core.Aux) string {
	if aux.HVersion != "" {
		return aux.HVersion
	}
	return version
}
