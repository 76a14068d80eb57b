package textsource

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dvloznov/statement-insights/internal/domain"
)

// MinIOStore reads documents from MinIO or any S3-compatible endpoint.
type MinIOStore struct {
	client *minio.Client
}

// NewMinIOStore connects to endpoint with static credentials.
func NewMinIOStore(endpoint, region, accessKey, secretKey string, useSSL bool) (*MinIOStore, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("NewMinIOStore: %w", err)
	}
	return &MinIOStore{client: cli}, nil
}

// ReadObject implements ObjectReader.
func (s *MinIOStore) ReadObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("ReadObject: get %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		switch minio.ToErrorResponse(err).Code {
		case "NoSuchKey", "NoSuchBucket":
			return nil, domain.Wrap(domain.ErrNotFound, "%s/%s: %w", bucket, key, err)
		}
		return nil, fmt.Errorf("ReadObject: read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}
