package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go-etl-engine/internal/model"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore is the subset of S3 operations sources and targets need
type ObjectStore interface {
	Stat(ctx context.Context, bucket, key string) (int64, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// S3Config configures the S3/MinIO client
type S3Config struct {
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
}

// S3Store implements ObjectStore using the minio-go SDK
type S3Store struct {
	client *minio.Client
}

// NewS3Store creates a MinIO/S3 client from config
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.EndpointURL == "" {
		return nil, fmt.Errorf("object store endpoint is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("object store credentials are required")
	}

	// Accept both "host:port" and "https://host:port"
	endpoint := cfg.EndpointURL
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.EndpointURL); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &S3Store{client: client}, nil
}

func (s *S3Store) Stat(ctx context.Context, bucket, key string) (int64, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, classifyObjectError(bucket, key, err)
	}
	return info.Size, nil
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyObjectError(bucket, key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the first read
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, classifyObjectError(bucket, key, err)
	}
	return obj, nil
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		e := model.WrapError(model.WriteFailure, err, "failed to upload s3://%s/%s", bucket, key)
		e.Retryable = true
		return e
	}
	return nil
}

// classifyObjectError converts minio-go errors to engine errors
func classifyObjectError(bucket, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchBucket", "NoSuchKey", "NotFound":
		return model.WrapError(model.NotFound, err, "s3://%s/%s does not exist", bucket, key)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return model.WrapError(model.NotFound, err, "s3://%s/%s is not readable", bucket, key)
	}
	e := model.WrapError(model.NotFound, err, "s3://%s/%s is unavailable", bucket, key)
	e.Retryable = true
	return e
}

func isObjectURL(location string) bool {
	return strings.HasPrefix(location, "s3://")
}

// splitObjectURL parses s3://bucket/key
func splitObjectURL(location string) (string, string, error) {
	rest := strings.TrimPrefix(location, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", model.NewError(model.NotFound, "invalid object location %q, expected s3://bucket/key", location)
	}
	return bucket, key, nil
}
