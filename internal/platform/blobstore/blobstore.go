// Package blobstore stores uploaded audio objects. It defines the ObjectStore
// contract, GCS, S3-compatible and in-memory implementations, and a Router
// that adds failover, mirrored writes and health tracking on top of two
// stores.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"path"
	"strings"
	"sync"
	"time"
)

var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrMissingKey         = errors.New("object key is required")
	ErrSigningUnsupported = errors.New("no configured backend can sign urls")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string    `json:"key"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
	Updated     time.Time `json:"updated,omitempty"`
	ETag        string    `json:"etag,omitempty"`
}

// ObjectStore is one bucket on one storage provider.
type ObjectStore interface {
	// Name identifies the provider, "gcs" or "s3".
	Name() string
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)
	// Open streams the object; the caller closes the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Ping checks that the bucket is reachable.
	Ping(ctx context.Context) error
}

// URLer is implemented by stores that can render a canonical object URL.
type URLer interface {
	URL(key string) string
}

// Signer is implemented by stores that can issue time-limited download URLs.
type Signer interface {
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

var audioContentTypes = map[string]string{
	".webm": "audio/webm",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
}

// DefaultAudioContentType is served when an object carries no content type.
const DefaultAudioContentType = "audio/webm"

// ContentTypeFor guesses an audio content type from the key's extension.
func ContentTypeFor(key string) string {
	if ct, ok := audioContentTypes[strings.ToLower(path.Ext(key))]; ok {
		return ct
	}
	return DefaultAudioContentType
}

type storedObject struct {
	info ObjectInfo
	data []byte
}

// MemoryStore is a thread-safe in-memory ObjectStore for tests and local
// development.
type MemoryStore struct {
	name string

	mu      sync.RWMutex
	objects map[string]*storedObject
}

// NewMemoryStore returns an empty store reporting the given backend name.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{name: name, objects: make(map[string]*storedObject)}
}

func (s *MemoryStore) Name() string { return s.name }

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return ErrMissingKey
	}
	sum := sha256.Sum256(data)
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = &storedObject{
		info: ObjectInfo{
			Key:         key,
			ContentType: contentType,
			Size:        int64(len(data)),
			Updated:     time.Now().UTC(),
			ETag:        hex.EncodeToString(sum[:]),
		},
		data: cp,
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, ObjectInfo{}, ErrObjectNotFound
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, obj.info, nil
}

func (s *MemoryStore) Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	data, info, err := s.Get(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Keys lists stored keys. Order is unspecified.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
