package docstore

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryScheme prefixes references produced by the memory store.
const MemoryScheme = "mem://"

// Memory keeps documents in process memory. References are only meaningful
// to the same process, so the chat transport fetches the bytes with Get.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	ref := MemoryScheme + uuid.NewString() + "/" + name
	m.mu.Lock()
	m.docs[ref] = append([]byte(nil), data...)
	m.mu.Unlock()
	return ref, nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.docs = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}

// IsLocal reports whether ref can only be resolved through Get.
func IsLocal(ref string) bool {
	return strings.HasPrefix(ref, MemoryScheme)
}
