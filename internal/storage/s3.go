package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// S3Options configures an S3Store. Endpoint and static keys are for
// S3-compatible servers such as MinIO.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// s3API is the part of *s3.Client S3Store uses.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	manager.UploadAPIClient
}

// S3Store is an S3 bucket.
type S3Store struct {
	client   s3API
	uploader *manager.Uploader
	bucket   string
	region   string
	endpoint string
}

// NewS3Store loads the default AWS config chain.
func NewS3Store(ctx context.Context, o S3Options) (*S3Store, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{}
	if o.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(o.Region))
	}
	if o.AccessKey != "" && o.SecretKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cli := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
			so.UsePathStyle = true
		}
	})
	return newS3Store(cli, o), nil
}

func newS3Store(cli s3API, o S3Options) *S3Store {
	return &S3Store{
		client:   cli,
		uploader: manager.NewUploader(cli),
		bucket:   o.Bucket,
		region:   o.Region,
		endpoint: o.Endpoint,
	}
}

func (s *S3Store) Bucket() string { return s.bucket }

func (s *S3Store) Read(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3://%s/%s: %w", s.bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer out.Body.Close()

	if maxBytes > 0 && out.ContentLength != nil && *out.ContentLength > maxBytes {
		return nil, fmt.Errorf("s3://%s/%s is %d bytes: %w", s.bucket, key, *out.ContentLength, ErrTooLarge)
	}
	b, err := readLimited(out.Body, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	return b, nil
}

func (s *S3Store) Write(ctx context.Context, key string, r io.Reader, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	out, err := s.uploader.Upload(ctx, in)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("S3 upload failed")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Info().Str("bucket", s.bucket).Str("key", key).Str("location", out.Location).Msg("uploaded object to S3")
	return nil
}

func (s *S3Store) URL(key string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

func (s *S3Store) URI(key string) string { return fmt.Sprintf("s3://%s/%s", s.bucket, key) }

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

func (s *S3Store) Close() error { return nil }
