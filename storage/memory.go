package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-memory Client for tests. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time

	// Error hooks let tests fail specific operations.
	PutErr     error
	PresignErr error
	DeleteErr  error
}

type memoryObject struct {
	data []byte
	info ObjectInfo
}

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]memoryObject),
		now:     time.Now,
	}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *Memory) Put(ctx context.Context, input PutInput) error {
	if m.PutErr != nil {
		return m.PutErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data := make([]byte, len(input.Data))
	copy(data, input.Data)
	meta := make(map[string]string, len(input.Metadata))
	for k, v := range input.Metadata {
		meta[k] = v
	}

	m.objects[input.Key] = memoryObject{
		data: data,
		info: ObjectInfo{
			Key:          input.Key,
			Size:         int64(len(data)),
			ContentType:  input.ContentType,
			Metadata:     meta,
			LastModified: m.now().UTC(),
		},
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("%w: %s", ErrNoObject, key)
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, obj.info, nil
}

func (m *Memory) Head(ctx context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNoObject, key)
	}
	return obj.info, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) SignedDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	return m.signedURL(key, "download", ttl)
}

func (m *Memory) SignedUploadURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	return m.signedURL(key, "upload", ttl)
}

func (m *Memory) signedURL(key, op string, ttl time.Duration) (string, time.Time, error) {
	if m.PresignErr != nil {
		return "", time.Time{}, m.PresignErr
	}

	expiresAt := m.now().UTC().Add(ttl)
	return fmt.Sprintf("memory://%s/%s?expires=%d", op, key, expiresAt.Unix()), expiresAt, nil
}
