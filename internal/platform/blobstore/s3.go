package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Config struct {
	Bucket string
	Region string
	// Endpoint overrides the S3 endpoint for MinIO, LocalStack or Spaces.
	Endpoint string
	// PublicBaseURL is prepended to keys to form object URLs. Defaults to
	// the virtual-hosted bucket URL.
	PublicBaseURL string
	// Static credentials; empty means the default provider chain.
	AccessKeyID     string
	SecretAccessKey string
	MaxSize         int64
}

// S3BlobStore keeps meal photos in an S3-compatible bucket.
type S3BlobStore struct {
	client  s3API
	bucket  string
	baseURL string
	maxSize int64
}

// NewS3BlobStore loads AWS configuration and builds the store.
func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	base := cfg.PublicBaseURL
	if base == "" {
		switch {
		case cfg.Endpoint != "":
			base = joinURL(cfg.Endpoint, cfg.Bucket)
		default:
			base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, awsCfg.Region)
		}
	}
	return newS3BlobStore(client, cfg.Bucket, base, cfg.MaxSize), nil
}

func newS3BlobStore(client s3API, bucket, baseURL string, maxSize int64) *S3BlobStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &S3BlobStore{client: client, bucket: bucket, baseURL: baseURL, maxSize: maxSize}
}

func (s *S3BlobStore) Put(ctx context.Context, key, contentType string, content []byte) (*BlobMetadata, error) {
	hash, err := validate(contentType, content, s.maxSize)
	if err != nil {
		return nil, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(content))),
		IfNoneMatch:   aws.String("*"),
		Metadata:      map[string]string{"sha256": hash},
	})
	if err != nil {
		if isAPIError(err, "PreconditionFailed", "ConditionalRequestConflict") {
			return nil, ErrBlobExists
		}
		return nil, fmt.Errorf("s3 put %s: %w", key, err)
	}

	return &BlobMetadata{
		Key:         key,
		URL:         s.URL(key),
		ContentType: contentType,
		Size:        int64(len(content)),
		Hash:        hash,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (s *S3BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) || isAPIError(err, "NotFound") {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("s3 get %s: %w", key, err)
	}

	meta := &BlobMetadata{
		Key:         key,
		URL:         s.URL(key),
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		Hash:        out.Metadata["sha256"],
	}
	if out.LastModified != nil {
		meta.CreatedAt = *out.LastModified
	}
	return out.Body, meta, nil
}

// Delete removes key. S3 deletes are idempotent, so a missing key is not
// reported.
func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

func (s *S3BlobStore) URL(key string) string {
	return joinURL(s.baseURL, key)
}

func isAPIError(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}
