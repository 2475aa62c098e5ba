package assets

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// maxClipBytes bounds a single clip download (about 60s of 8kHz mu-law).
const maxClipBytes = 512 << 10

// S3Client is the subset of the S3 API used by S3Store. *s3.Client satisfies it.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store reads clips from an S3 (or S3-compatible) bucket under an optional prefix.
type S3Store struct {
	client S3Client
	bucket string
	prefix string
}

func NewS3Store(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// NewS3StoreFromEnv builds a client from the default AWS credential chain.
// A non-empty endpoint targets an S3-compatible store with path-style addressing.
func NewS3StoreFromEnv(ctx context.Context, bucket, prefix, region, endpoint string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Store(client, bucket, prefix), nil
}

func (s *S3Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *S3Store) Load(ctx context.Context, name string) ([]byte, error) {
	clip, err := clipName(name)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(clip)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("assets: load %s: %w", clip, ErrNotFound)
		}
		return nil, fmt.Errorf("assets: load %s: %w", clip, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxClipBytes+1))
	if err != nil {
		return nil, fmt.Errorf("assets: read %s: %w", clip, err)
	}
	if len(data) > maxClipBytes {
		return nil, fmt.Errorf("assets: %s exceeds %d bytes", clip, maxClipBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("assets: load %s: empty clip: %w", clip, ErrNotFound)
	}
	return data, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

var _ Store = (*S3Store)(nil)
