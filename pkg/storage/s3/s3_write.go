package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/storage"
)

// CreateFromStream uploads a complete version with a single PutObject. The
// declared Content-MD5 rides along so S3 verifies integrity end to end. For
// versioned buckets the response version id lands in the aux record.
func (s *Store) CreateFromStream(ctx context.Context, name string, r io.Reader, nbytes int64, md core.Metadata) (string, core.Aux, error) {
	if err := ctx.Err(); err != nil {
		return "", core.Aux{}, err
	}

	b, err := s.route(name)
	if err != nil {
		return "", core.Aux{}, err
	}

	version := storage.NewVersionID()
	input := &awss3.PutObjectInput{
		Bucket:        aws.String(b.cfg.BucketName),
		Key:           aws.String(b.key(name, version)),
		Body:          r,
		ContentLength: aws.Int64(nbytes),
	}
	if ct := md.Get(core.FieldContentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if md5v := md.Get(core.FieldContentMD5); md5v != "" {
		input.ContentMD5 = aws.String(md5v)
	}

	result, err := b.client.PutObject(ctx, input)
	if err != nil {
		return "", core.Aux{}, fmt.Errorf("failed to write object to S3: %w", err)
	}

	var aux core.Aux
	if b.cfg.Method == MethodName && result.VersionId != nil {
		aux.Version = *result.VersionId
	}
	return version, aux, nil
}

// Delete removes the stored object. Deleting absent content succeeds.
func (s *Store) Delete(ctx context.Context, name, version string, aux core.Aux) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := s.route(name)
	if err != nil {
		return err
	}

	input := &awss3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.BucketName),
		Key:    aws.String(b.key(effectiveName(name, aux), effectiveVersion(version, aux))),
	}
	if aux.Version != "" {
		input.VersionId = aws.String(aux.Version)
	}

	if _, err := b.client.DeleteObject(ctx, input); err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

// DeleteNamespace is a no-op: namespaces are not explicit bucket resources.
func (s *Store) DeleteNamespace(ctx context.Context, name string) error {
	return ctx.Err()
}
