package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docflow/custody/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// StoredObject describes bytes written to file storage
type StoredObject struct {
	Path     string
	Size     int64
	Checksum string // hex sha256
}

// FileStorage stores and retrieves document bytes
type FileStorage interface {
	Put(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (StoredObject, error)
	Get(ctx context.Context, objectName string) ([]byte, error)
	Remove(ctx context.Context, objectName string) error
}

type MinioService struct {
	client *minio.Client
	bucket string
	config *config.MinioConfig
}

func NewMinioService(cfg *config.MinioConfig) (*MinioService, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioService{
		client: client,
		bucket: cfg.Bucket,
		config: cfg,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *MinioService) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// Put uploads the object, hashing it on the way through
func (s *MinioService) Put(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (StoredObject, error) {
	h := sha256.New()
	info, err := s.client.PutObject(ctx, s.bucket, objectName, io.TeeReader(reader, h), size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return StoredObject{}, fmt.Errorf("failed to upload file: %w", err)
	}

	return StoredObject{
		Path:     objectName,
		Size:     info.Size,
		Checksum: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Get downloads the whole object
func (s *MinioService) Get(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Remove deletes an object. Removing a missing object is not an error.
func (s *MinioService) Remove(ctx context.Context, objectName string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// GetPresignedURL generates a presigned download URL valid for ExpireDays
func (s *MinioService) GetPresignedURL(ctx context.Context, objectName string) (string, error) {
	expiry := time.Duration(s.config.ExpireDays) * 24 * time.Hour
	url, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return url.String(), nil
}

// MemoryFileStorage keeps objects in memory. Used when no object store is
// configured and in tests.
type MemoryFileStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryFileStorage() *MemoryFileStorage {
	return &MemoryFileStorage{objects: make(map[string][]byte)}
}

func (m *MemoryFileStorage) Put(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (StoredObject, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return StoredObject{}, fmt.Errorf("failed to read upload: %w", err)
	}
	sum := sha256.Sum256(data)

	m.mu.Lock()
	m.objects[objectName] = data
	m.mu.Unlock()

	return StoredObject{Path: objectName, Size: int64(len(data)), Checksum: hex.EncodeToString(sum[:])}, nil
}

func (m *MemoryFileStorage) Get(ctx context.Context, objectName string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[objectName]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectName)
	}
	return bytes.Clone(data), nil
}

func (m *MemoryFileStorage) Remove(ctx context.Context, objectName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectName)
	return nil
}

// Has reports whether an object exists
func (m *MemoryFileStorage) Has(objectName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[objectName]
	return ok
}
