package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	werrors "github.com/witnessprotocol/core/internal/errors"
)

// S3Config configures an S3Store, grounded on the s3-encryption-gateway
// example's BackendConfig shape.
type S3Config struct {
	Region    string
	Bucket    string
	Prefix    string
	Endpoint  string // non-empty for S3-compatible providers (minio, wasabi, ...)
	AccessKey string
	SecretKey string
}

// S3Store stores ciphertext objects in S3 (or an S3-compatible
// backend), keyed by their content address, grounded on
// kenchrcum-s3-encryption-gateway's internal/s3/client.go wrapper.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds an S3Store from cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", werrors.ErrObjectStoreFailure, err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) key(locator string) string {
	if s.prefix == "" {
		return locator
	}
	return s.prefix + "/" + locator
}

func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	locator := locatorFor(data)
	key := s.key(locator)

	if present, err := s.Head(ctx, locator); err == nil && present {
		return locator, nil // idempotent on content address
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("%w: put %s/%s: %v", werrors.ErrObjectStoreFailure, s.bucket, key, err)
	}
	return locator, nil
}

func (s *S3Store) Get(ctx context.Context, locator string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(locator)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", werrors.ErrObjectStoreFailure, s.bucket, s.key(locator), err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", werrors.ErrObjectStoreFailure, err)
	}
	return data, nil
}

func (s *S3Store) Head(ctx context.Context, locator string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(locator)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: head %s/%s: %v", werrors.ErrObjectStoreFailure, s.bucket, s.key(locator), err)
}

// isNotFound narrows a generic S3 error down to "object does not
// exist" without depending on a specific SDK error type across
// provider implementations (S3-compatible backends vary in whether
// they return NotFound or NoSuchKey).
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}
