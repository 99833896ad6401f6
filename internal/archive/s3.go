package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend stores objects in S3 or MinIO.
type S3Backend struct {
	client     *s3.Client
	bucket     string
	pathPrefix string
}

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint for MinIO (e.g., "minio.mentatlab.svc:9000")
	// Leave empty for AWS S3
	Endpoint string

	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS (default: false for internal MinIO)
	UseSSL bool

	// PathPrefix is prepended to all keys
	PathPrefix string
}

// NewS3Backend creates a new S3/MinIO backend.
func NewS3Backend(ctx context.Context, cfg *S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1" // Default region for MinIO
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &S3Backend{
		client:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:     cfg.Bucket,
		pathPrefix: strings.Trim(cfg.PathPrefix, "/"),
	}, nil
}

func (b *S3Backend) fullKey(key string) string {
	if b.pathPrefix == "" {
		return key
	}
	return b.pathPrefix + "/" + key
}

// Put stores data under key.
func (b *S3Backend) Put(ctx context.Context, key string, data io.Reader, contentType string) (*ObjectRef, error) {
	full := b.fullKey(key)

	content, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(full),
		Body:          bytes.NewReader(content),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(content))),
	})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	return &ObjectRef{
		URI:       fmt.Sprintf("s3://%s/%s", b.bucket, full),
		Key:       key,
		Size:      int64(len(content)),
		Checksum:  checksum(content),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Get retrieves the object at key.
func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return result.Body, nil
}

// List lists objects with a prefix. Returned keys are relative to the
// backend's path prefix.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]*ObjectRef, error) {
	var refs []*ObjectRef
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.fullKey(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			full := aws.ToString(obj.Key)
			ref := &ObjectRef{
				URI:  fmt.Sprintf("s3://%s/%s", b.bucket, full),
				Key:  strings.TrimPrefix(full, b.pathPrefix+"/"),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				ref.CreatedAt = *obj.LastModified
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
