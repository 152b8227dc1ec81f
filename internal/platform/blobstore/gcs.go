package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore is an ObjectStore backed by a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// NewGCSStore connects using application default credentials. projectID is
// optional and is billed for requester-pays buckets.
func NewGCSStore(ctx context.Context, projectID, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	handle := client.Bucket(bucket)
	if projectID != "" {
		handle = handle.UserProject(projectID)
	}
	return &GCSStore{client: client, bucket: handle, name: bucket}, nil
}

func (s *GCSStore) Name() string { return "gcs" }

func (s *GCSStore) URL(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.name, key)
}

// Put uploads in a single request; ChunkSize 0 disables resumable uploads.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return ErrMissingKey
	}
	w := s.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	rc, info, err := s.Open(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("gcs read %s: %w", key, err)
	}
	return data, info, nil
}

func (s *GCSStore) Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	r, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, ObjectInfo{}, gcsErr(key, err)
	}
	return r, ObjectInfo{
		Key:         key,
		ContentType: r.Attrs.ContentType,
		Size:        r.Attrs.Size,
		Updated:     r.Attrs.LastModified,
	}, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Object(key).Delete(ctx); err != nil {
		return gcsErr(key, err)
	}
	return nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.bucket.Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs attrs %s: %w", key, err)
	}
	return true, nil
}

func (s *GCSStore) Ping(ctx context.Context) error {
	if _, err := s.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %s: %w", s.name, err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func gcsErr(key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs %s: %w", key, ErrObjectNotFound)
	}
	return fmt.Errorf("gcs %s: %w", key, err)
}
