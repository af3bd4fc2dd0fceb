// Package s3 implements storage.Storage for AWS S3 and S3-compatible stores.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/awsconfig"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/storage"
)

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// API is the subset of the S3 client used by Storage.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures S3 storage.
//
// For S3-compatible stores (moto, MinIO, LocalStack) set Endpoint and
// typically ForcePathStyle.
type Config struct {
	// Bucket is the bucket name (required).
	Bucket string

	// AWS selects region, profile, credentials and endpoint.
	AWS awsconfig.Options

	// ForcePathStyle forces path-style URLs.
	ForcePathStyle bool

	// MaxKeys is the default page size. Values over 1000 are clamped.
	MaxKeys int
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if err := c.AWS.Validate(); err != nil {
		return &ConfigError{Field: "AccessKeyID/SecretAccessKey", Message: err.Error()}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}

// Storage implements storage.Storage on S3.
type Storage struct {
	client  API
	bucket  string
	maxKeys int
}

var _ storage.Storage = (*Storage)(nil)

// New creates S3 storage using the AWS SDK default credential chain unless
// explicit credentials are configured.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, &storage.Error{Op: "New", Backend: storage.BackendS3, Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.MaxKeys), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, bucket string, maxKeys int) *Storage {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Storage{client: client, bucket: bucket, maxKeys: maxKeys}
}

// Bucket returns the bucket name.
func (s *Storage) Bucket() string {
	return s.bucket
}

// Locator implements storage.Storage.
func (s *Storage) Locator(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// List implements storage.Storage.
func (s *Storage) List(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(int32(clampMaxKeys(opts.MaxKeys, s.maxKeys))),
	}
	if opts.Prefix != "" {
		input.Prefix = aws.String(opts.Prefix)
	}
	if opts.ContinuationToken != "" {
		input.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, s.wrapError("List", opts.Prefix, err)
	}

	objects := make([]storage.Object, 0, len(out.Contents))
	for _, obj := range out.Contents {
		objects = append(objects, storage.Object{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	res := &storage.ListResult{Objects: objects, IsTruncated: aws.ToBool(out.IsTruncated)}
	if out.NextContinuationToken != nil {
		res.ContinuationToken = *out.NextContinuationToken
	}
	return res, nil
}

// Get implements storage.Storage.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	return b, nil
}

// Put implements storage.Storage.
func (s *Storage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

// Close implements storage.Storage.
func (s *Storage) Close() error {
	return nil
}

// wrapError converts S3 errors to storage errors with sentinel causes.
func (s *Storage) wrapError(op, key string, err error) error {
	wrapped := &storage.Error{Op: op, Backend: storage.BackendS3, Bucket: s.bucket, Key: key, Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = storage.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = storage.ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = storage.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = storage.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = storage.ErrAccessDenied
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = storage.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = storage.ErrUnavailable
		}
		return wrapped
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "404"):
		wrapped.Err = storage.ErrNotFound
	case strings.Contains(msg, "NoSuchBucket"):
		wrapped.Err = storage.ErrBucketNotFound
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "403"):
		wrapped.Err = storage.ErrAccessDenied
	}
	return wrapped
}

// clampMaxKeys applies defaults and limits to maxKeys values.
func clampMaxKeys(requested, def int) int {
	if requested <= 0 {
		requested = def
	}
	if requested > MaxAllowedKeys {
		return MaxAllowedKeys
	}
	return requested
}
