package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hatrac/hatrac/pkg/core"
	"github.com/hatrac/hatrac/pkg/storage"
)

// Upload handles pack the pre-issued version id together with the S3
// multipart upload id, because key-versioned buckets need the final object
// key at CreateMultipartUpload time. The version id alphabet has no '.', so
// the first dot separates the fields unambiguously.
func packHandle(version, uploadID string) string {
	return version + "." + uploadID
}

func unpackHandle(handle string) (version, uploadID string, err error) {
	version, uploadID, ok := strings.Cut(handle, ".")
	if !ok || version == "" || uploadID == "" {
		return "", "", core.BadRequestf("malformed upload handle")
	}
	return version, uploadID, nil
}

// CreateUpload starts an S3 multipart upload for the eventual version key.
func (s *Store) CreateUpload(ctx context.Context, name string, nbytes int64, md core.Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b, err := s.route(name)
	if err != nil {
		return "", err
	}

	version := storage.NewVersionID()
	input := &awss3.CreateMultipartUploadInput{
		Bucket: aws.String(b.cfg.BucketName),
		Key:    aws.String(b.key(name, version)),
	}
	if ct := md.Get(core.FieldContentType); ct != "" {
		input.ContentType = aws.String(ct)
	}

	result, err := b.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}
	return packHandle(version, aws.ToString(result.UploadId)), nil
}

// UploadChunk uploads one part. S3 part numbers are 1-based, so chunk
// position p becomes part p+1. The part ETag is the chunk aux the directory
// must persist for finalization.
func (s *Store) UploadChunk(ctx context.Context, name, handle string, position, chunkLength, size int64, r io.Reader) (storage.ChunkAux, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChunkAux{}, err
	}

	b, err := s.route(name)
	if err != nil {
		return storage.ChunkAux{}, err
	}
	version, uploadID, err := unpackHandle(handle)
	if err != nil {
		return storage.ChunkAux{}, err
	}

	result, err := b.client.UploadPart(ctx, &awss3.UploadPartInput{
		Bucket:        aws.String(b.cfg.BucketName),
		Key:           aws.String(b.key(name, version)),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(position) + 1),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		var noUpload *types.NoSuchUpload
		if errors.As(err, &noUpload) {
			return storage.ChunkAux{}, core.NotFoundf("upload %s not found", uploadID)
		}
		return storage.ChunkAux{}, fmt.Errorf("failed to upload part %d: %w", position, err)
	}

	return storage.ChunkAux{Position: position, ETag: aws.ToString(result.ETag)}, nil
}

// FinalizeUpload completes the multipart upload from the recorded part
// ETags. Assembled-content digests are not recomputed here: S3 composes
// multipart ETags rather than hashing the whole body, so declared digests
// are only recorded as metadata.
func (s *Store) FinalizeUpload(ctx context.Context, name, handle string, chunks []storage.ChunkAux, md core.Metadata) (string, core.Aux, error) {
	if err := ctx.Err(); err != nil {
		return "", core.Aux{}, err
	}

	b, err := s.route(name)
	if err != nil {
		return "", core.Aux{}, err
	}
	version, uploadID, err := unpackHandle(handle)
	if err != nil {
		return "", core.Aux{}, err
	}

	parts := make([]types.CompletedPart, 0, len(chunks))
	for _, c := range chunks {
		if c.ETag == "" {
			return "", core.Aux{}, core.Conflictf("chunk %d has no recorded part ETag", c.Position)
		}
		parts = append(parts, types.CompletedPart{
			PartNumber: aws.Int32(int32(c.Position) + 1),
			ETag:       aws.String(c.ETag),
		})
	}
	sort.Slice(parts, func(i, j int) bool {
		return *parts[i].PartNumber < *parts[j].PartNumber
	})

	result, err := b.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:   aws.String(b.cfg.BucketName),
		Key:      aws.String(b.key(name, version)),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	if err != nil {
		var noUpload *types.NoSuchUpload
		if errors.As(err, &noUpload) {
			return "", core.Aux{}, core.NotFoundf("upload %s not found", uploadID)
		}
		return "", core.Aux{}, fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	var aux core.Aux
	if b.cfg.Method == MethodName && result.VersionId != nil {
		aux.Version = *result.VersionId
	}
	return version, aux, nil
}

// VerifiesFinalizeHashes reports that S3 finalize does not recompute
// assembled digests.
func (s *Store) VerifiesFinalizeHashes() bool { return false }

// CancelUpload aborts the multipart upload. Idempotent.
func (s *Store) CancelUpload(ctx context.Context, name, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := s.route(name)
	if err != nil {
		return err
	}
	version, uploadID, err := unpackHandle(handle)
	if err != nil {
		return err
	}

	_, err = b.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.cfg.BucketName),
		Key:      aws.String(b.key(name, version)),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var noUpload *types.NoSuchUpload
		if !errors.As(err, &noUpload) {
			return fmt.Errorf("failed to abort multipart upload: %w", err)
		}
	}
	return nil
}
