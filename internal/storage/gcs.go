package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// GCSStore is a Google Cloud Storage bucket.
type GCSStore struct {
	client *gcs.Client
	bucket string
}

// NewGCSStore creates a client with application default credentials.
func NewGCSStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSStore, error) {
	c, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: c, bucket: bucket}, nil
}

func (s *GCSStore) Bucket() string { return s.bucket }

func (s *GCSStore) Read(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("gs://%s/%s: %w", s.bucket, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", s.bucket, key, err)
	}
	defer r.Close()
	if maxBytes > 0 && r.Attrs.Size > maxBytes {
		return nil, fmt.Errorf("gs://%s/%s is %d bytes: %w", s.bucket, key, r.Attrs.Size, ErrTooLarge)
	}
	b, err := readLimited(r, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", s.bucket, key, err)
	}
	return b, nil
}

func (s *GCSStore) Write(ctx context.Context, key string, r io.Reader, contentType string) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	// single request upload
	w.ChunkSize = 0
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", s.bucket, key, err)
	}
	log.Info().Str("bucket", s.bucket).Str("key", key).Str("content_type", contentType).Msg("uploaded object to GCS")
	return nil
}

func (s *GCSStore) URL(key string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key)
}

func (s *GCSStore) URI(key string) string { return fmt.Sprintf("gs://%s/%s", s.bucket, key) }

func (s *GCSStore) Ping(ctx context.Context) error {
	_, err := s.client.Bucket(s.bucket).Attrs(ctx)
	return err
}

func (s *GCSStore) Close() error { return s.client.Close() }
