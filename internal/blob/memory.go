package blob

import (
	"context"
	"fmt"
	"sync"
	"time"

	lferrors "github.com/leadforge/engine/pkg/errors"
)

// MemoryStore is an in-memory ObjectStore for tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	baseURL string
}

type memObject struct {
	data        []byte
	contentType string
}

// NewMemoryStore creates an empty store serving URLs under baseURL.
func NewMemoryStore(baseURL string) *MemoryStore {
	if baseURL == "" {
		baseURL = "https://blobs.test"
	}
	return &MemoryStore{
		objects: make(map[string]memObject),
		baseURL: baseURL,
	}
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]byte, len(data))
	copy(copied, data)
	m.objects[key] = memObject{data: copied, contentType: contentType}
	return m.PublicURL(key), nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, &lferrors.NotFoundError{Resource: "object", ID: key}
	}
	copied := make([]byte, len(obj.data))
	copy(copied, obj.data)
	return copied, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) PublicURL(key string) string {
	return m.baseURL + "/" + key
}

func (m *MemoryStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", &lferrors.NotFoundError{Resource: "object", ID: key}
	}
	return fmt.Sprintf("%s/%s?expires=%d", m.baseURL, key, time.Now().Add(ttl).Unix()), nil
}

// ContentType returns the stored content type for key (test helper).
func (m *MemoryStore) ContentType(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key].contentType
}

// Len returns the number of stored objects (test helper).
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
