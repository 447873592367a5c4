package queue

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps the snapshot in process memory. Nothing survives a
// restart; it backs tests and the ephemeral queue driver.
type MemoryStore struct {
	*snapshotStore
	blobs *memoryBlobs
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	blobs := &memoryBlobs{values: make(map[string][]byte)}
	return &MemoryStore{
		snapshotStore: newSnapshotStore(blobs, opts...),
		blobs:         blobs,
	}
}

// Raw returns the stored blob for key, for inspection in tests and the
// status command.
func (s *MemoryStore) Raw(key string) ([]byte, bool) {
	s.blobs.mu.RLock()
	defer s.blobs.mu.RUnlock()
	v, ok := s.blobs.values[key]
	return v, ok
}

// SetRaw stores an arbitrary blob under key.
func (s *MemoryStore) SetRaw(key string, value []byte) {
	s.blobs.mu.Lock()
	defer s.blobs.mu.Unlock()
	s.blobs.values[key] = value
}

type memoryBlobs struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func (b *memoryBlobs) atomic(_ context.Context, _ string, fn func(tx blobTx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Writes go to a copy that replaces values only when fn succeeds.
	staged := make(map[string][]byte, len(b.values))
	for k, v := range b.values {
		staged[k] = v
	}
	if err := fn(memoryTx(staged)); err != nil {
		return err
	}
	b.values = staged
	return nil
}

// memoryTx is the staged map of one atomic section.
type memoryTx map[string][]byte

func (t memoryTx) get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := t[key]
	return v, ok, nil
}

func (t memoryTx) put(_ context.Context, key string, value []byte) error {
	t[key] = append([]byte(nil), value...)
	return nil
}

func (t memoryTx) del(_ context.Context, key string) error {
	delete(t, key)
	return nil
}

func (t memoryTx) move(_ context.Context, from, to string) error {
	v, ok := t[from]
	if !ok {
		return fmt.Errorf("key %q not found", from)
	}
	t[to] = v
	delete(t, from)
	return nil
}
