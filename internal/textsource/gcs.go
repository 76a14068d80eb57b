package textsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"

	"github.com/dvloznov/statement-insights/internal/domain"
)

// GCSStore reads documents from Google Cloud Storage.
// It assumes Application Default Credentials are configured.
type GCSStore struct {
	client *storage.Client
}

// NewGCSStore creates a storage client.
func NewGCSStore(ctx context.Context) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSStore: create storage client: %w", err)
	}
	return &GCSStore{client: client}, nil
}

// ReadObject implements ObjectReader.
func (s *GCSStore) ReadObject(ctx context.Context, bucket, key string) ([]byte, error) {
	rc, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, domain.Wrap(domain.ErrNotFound, "gs://%s/%s: %w", bucket, key, err)
	}
	if err != nil {
		return nil, fmt.Errorf("ReadObject: open reader for %s/%s: %w", bucket, key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("ReadObject: read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// WriteObject uploads r to bucket/key and returns its gs:// key.
func (s *GCSStore) WriteObject(ctx context.Context, bucket, key, contentType string, r io.Reader) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("WriteObject: copy to %s/%s: %w", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("WriteObject: finalize %s/%s: %w", bucket, key, err)
	}
	return "gs://" + bucket + "/" + key, nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
