package journal

import (
	"context"
	"sync"
)

var _ Store = (*MemStore)(nil)

// DefaultMemorySize is the capacity of a [MemStore] created with size <= 0.
const DefaultMemorySize = 200

// MemStore is a fixed-capacity ring buffer. The oldest record is evicted
// once it is full.
//
// All methods are safe for concurrent use.
type MemStore struct {
	mu    sync.Mutex
	buf   []Record
	next  int
	full  bool
	known map[string]struct{}
}

// NewMemStore returns a MemStore holding up to size records.
func NewMemStore(size int) *MemStore {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &MemStore{buf: make([]Record, size), known: make(map[string]struct{})}
}

// Append implements [Store].
func (m *MemStore) Append(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.known[r.EpisodeID]; dup {
		return nil
	}
	if m.full {
		delete(m.known, m.buf[m.next].EpisodeID)
	}
	m.buf[m.next] = r
	m.known[r.EpisodeID] = struct{}{}
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent implements [Store].
func (m *MemStore) Recent(ctx context.Context, n int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	size := m.next
	if m.full {
		size = len(m.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, m.buf[(m.next-i+len(m.buf))%len(m.buf)])
	}
	return out, nil
}

// Len returns the number of stored records.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.known)
}
