// Package storage is the blob store contract for uploaded media.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/d60-Lab/socialsync/config"
)

// ErrNotFound is returned by Delete when the object does not exist.
var ErrNotFound = errors.New("storage: object not found")

// Object identifies an uploaded blob.
type Object struct {
	URL       string
	StorageID string
}

type Store interface {
	Upload(ctx context.Context, name string, r io.Reader) (Object, error)
	Delete(ctx context.Context, storageID string) error
}

// New builds the store selected by config.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "cloudinary":
		return NewCloudinary(cfg)
	case "memory", "":
		return NewMemoryStore("memory://media"), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	baseURL string

	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{baseURL: baseURL, objects: make(map[string][]byte)}
}

func (s *MemoryStore) Upload(ctx context.Context, name string, r io.Reader) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return Object{}, fmt.Errorf("read %s: %w", name, err)
	}
	id := uuid.NewString()

	s.mu.Lock()
	s.objects[id] = buf.Bytes()
	s.mu.Unlock()

	return Object{URL: s.baseURL + "/" + id, StorageID: id}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, storageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[storageID]; !ok {
		return ErrNotFound
	}
	delete(s.objects, storageID)
	return nil
}

// Exists reports whether an object is stored.
func (s *MemoryStore) Exists(storageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[storageID]
	return ok
}

// Put stores data under a fixed storage ID.
func (s *MemoryStore) Put(storageID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[storageID] = data
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
