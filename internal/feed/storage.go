package feed

import (
	"sort"
	"sync"
)

// Storage persists the pieces of a feed. Implementations return ErrNotFound
// for missing entries. Feed serialises calls, so implementations need no
// locking of their own beyond what Close requires.
type Storage interface {
	ReadData(index uint64) ([]byte, error)
	WriteData(index uint64, data []byte) error
	// DataIndices lists every index with stored data, in ascending order.
	DataIndices() ([]uint64, error)
	ReadNode(index uint64) (Node, error)
	WriteNode(node Node) error
	ReadSignature(length uint64) ([]byte, error)
	WriteSignature(length uint64, sig []byte) error
	ReadMeta(key string) ([]byte, error)
	WriteMeta(key string, value []byte) error
	Close() error
}

// MemoryStorage keeps a feed in memory. It is used for clones that do not
// need to survive the process.
type MemoryStorage struct {
	mu         sync.Mutex
	data       map[uint64][]byte
	nodes      map[uint64]Node
	signatures map[uint64][]byte
	meta       map[string][]byte
}

// NewMemoryStorage returns an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data:       make(map[uint64][]byte),
		nodes:      make(map[uint64]Node),
		signatures: make(map[uint64][]byte),
		meta:       make(map[string][]byte),
	}
}

func (m *MemoryStorage) ReadData(index uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[index]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStorage) WriteData(index uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[index] = append([]byte{}, data...)
	return nil
}

func (m *MemoryStorage) DataIndices() ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.data))
	for i := range m.data {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out, nil
}

func (m *MemoryStorage) ReadNode(index uint64) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[index]
	if !ok {
		return Node{}, ErrNotFound
	}
	return n, nil
}

func (m *MemoryStorage) WriteNode(node Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node.Hash = append([]byte{}, node.Hash...)
	m.nodes[node.Index] = node
	return nil
}

func (m *MemoryStorage) ReadSignature(length uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signatures[length]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStorage) WriteSignature(length uint64, sig []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signatures[length] = append([]byte{}, sig...)
	return nil
}

func (m *MemoryStorage) ReadMeta(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.meta[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStorage) WriteMeta(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = append([]byte{}, value...)
	return nil
}

func (m *MemoryStorage) Close() error { return nil }
