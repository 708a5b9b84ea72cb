package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 is an S3-compatible Store backed by minio-go. Compare-and-swap uses
// conditional writes: If-Match for updates, If-None-Match for creates.
type S3 struct {
	mc     *minio.Client
	bucket string
}

// S3Config holds connection settings for an S3-compatible endpoint.
type S3Config struct {
	Endpoint        string // e.g. "minio:9000" or "s3.us-east-1.amazonaws.com"
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// NewS3 creates an S3-backed store and ensures the bucket exists.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	s := &S3{mc: mc, bucket: cfg.Bucket}
	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, classifyS3Error("head-bucket", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, classifyS3Error("make-bucket", cfg.Bucket, err)
		}
	}
	return s, nil
}

// classifyS3Error maps minio errors onto the store's error kinds.
func classifyS3Error(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	case "PreconditionFailed":
		return fmt.Errorf("%s %s: %w", op, key, ErrConflict)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "QuotaExceeded":
		return fmt.Errorf("%s %s: %v: %w", op, key, err, ErrFatal)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	case http.StatusPreconditionFailed:
		return fmt.Errorf("%s %s: %w", op, key, ErrConflict)
	case http.StatusForbidden:
		return fmt.Errorf("%s %s: %v: %w", op, key, err, ErrFatal)
	}
	// Network errors, 5xx, throttling: retryable.
	return fmt.Errorf("%s %s: %v: %w", op, key, err, ErrTransient)
}

// Get returns the object bytes.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.mc.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3Error("get", key, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyS3Error("get", key, err)
	}
	return data, nil
}

// Put writes the object unconditionally.
func (s *S3) Put(ctx context.Context, key string, data []byte) (string, error) {
	info, err := s.mc.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", classifyS3Error("put", key, err)
	}
	return info.ETag, nil
}

// PutIf writes the object with a conditional header: If-None-Match for
// creates (empty expectedETag), If-Match for replacements.
func (s *S3) PutIf(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if expectedETag == "" {
		opts.SetMatchETagExcept("*")
	} else {
		opts.SetMatchETag(expectedETag)
	}

	info, err := s.mc.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return "", classifyS3Error("putif", key, err)
	}
	return info.ETag, nil
}

// Delete removes the object; missing keys are a no-op on S3.
func (s *S3) Delete(ctx context.Context, key string) error {
	if err := s.mc.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classifyS3Error("delete", key, err)
	}
	return nil
}

// List returns sorted keys under prefix.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.mc.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, classifyS3Error("list", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Head returns object metadata.
func (s *S3) Head(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.mc.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, classifyS3Error("head", key, err)
	}
	return ObjectInfo{Size: info.Size, ETag: info.ETag}, nil
}

var _ Store = (*S3)(nil)
