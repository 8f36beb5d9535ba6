// Package storage reads and writes user uploads in an object store.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ErrTooLarge is returned by Read when an object exceeds the read limit.
var ErrTooLarge = errors.New("object too large")

// BlobStore is a single bucket.
type BlobStore interface {
	// Read returns the object at key. Objects larger than maxBytes fail
	// with ErrTooLarge; maxBytes <= 0 disables the limit.
	Read(ctx context.Context, key string, maxBytes int64) ([]byte, error)
	Write(ctx context.Context, key string, r io.Reader, contentType string) error
	// URL is the public HTTPS address of key.
	URL(key string) string
	// URI is the store-native address of key (gs://, s3://).
	URI(key string) string
	Bucket() string
	Ping(ctx context.Context) error
	Close() error
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrTooLarge
	}
	return b, nil
}
