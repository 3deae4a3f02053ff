package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"podforge/internal/config"
)

// ObjectStore persists generated artifacts and hands back stable locations.
type ObjectStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// MinioStore is the S3-compatible ObjectStore used in production.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the configured S3-compatible endpoint.
func NewMinioStore(cfg config.Storage) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, Wrap(ErrConfiguration, "storage", "connect", "endpoint not configured", nil)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, Wrap(ErrConfiguration, "storage", "connect", "", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the artifact bucket when missing.
func (m *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return Wrap(ErrTransient, "storage", "bucket check", "", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return Wrap(ErrTransient, "storage", "make bucket", "", err)
	}
	return nil
}

// Put uploads an object and returns its location.
func (m *MinioStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", Wrap(ErrTransient, "storage", "put "+key, "", err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

// Get streams an object back.
func (m *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Wrap(ErrTransient, "storage", "get "+key, "", err)
	}
	return obj, nil
}

// MemoryStore is an in-process ObjectStore used by tests and local runs
// without an object storage endpoint.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, key string, reader io.Reader, _ int64, _ string) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", Wrap(ErrTransient, "storage", "put "+key, "", err)
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return "mem://" + key, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, Wrap(ErrNotFound, "storage", "get "+key, "object missing", nil)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Len reports how many objects the store holds.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
