package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
)

// BlobStore holds the bytes behind transient artifact references.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; !ok {
		return ErrNotFound
	}
	delete(m.blobs, key)
	return nil
}

// Len reports the number of blobs held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// NATSStore keeps blobs in a JetStream object store bucket so other
// processes on the bus can fetch them while they are live.
type NATSStore struct {
	bucket string
	store  nats.ObjectStore
}

func NewNATSStore(js nats.JetStreamContext, bucket string) (*NATSStore, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "Transient voice artifacts",
		Storage:     nats.MemoryStorage,
		Replicas:    1,
	})
	if err != nil {
		existing, bindErr := js.ObjectStore(bucket)
		if bindErr != nil {
			return nil, fmt.Errorf("create object store bucket %q: %w", bucket, err)
		}
		store = existing
	}
	return &NATSStore{bucket: bucket, store: store}, nil
}

func (n *NATSStore) Put(ctx context.Context, key string, data []byte) error {
	if _, err := n.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data), nats.Context(ctx)); err != nil {
		return fmt.Errorf("put object %q to bucket %q: %w", key, n.bucket, err)
	}
	return nil
}

func (n *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object %q from bucket %q: %w", key, n.bucket, err)
	}
	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()
	if readErr != nil {
		return nil, fmt.Errorf("read object %q: %w", key, readErr)
	}
	if closeErr != nil {
		return data, fmt.Errorf("close object %q: %w", key, closeErr)
	}
	return data, nil
}

func (n *NATSStore) Delete(_ context.Context, key string) error {
	if err := n.store.Delete(key); err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete object %q from bucket %q: %w", key, n.bucket, err)
	}
	return nil
}
