package sharedmem

import (
	"fmt"
	"sync"
)

// HeapMapper keeps buffers in process memory. It serves platforms without
// mmap and single-process mode, where child and host share an address space.
type HeapMapper struct {
	mu      sync.Mutex
	buffers map[BufferID][]byte
}

// NewHeapMapper returns an empty heap mapper.
func NewHeapMapper() *HeapMapper {
	return &HeapMapper{buffers: make(map[BufferID][]byte)}
}

// Map implements Mapper.
func (m *HeapMapper) Map(id BufferID) (Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.buffers[id]
	if !ok || !id.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &heapBuffer{id: id, data: data}, nil
}

// Create implements Allocator.
func (m *HeapMapper) Create(id BufferID, size int) (Buffer, error) {
	if !id.Valid() {
		return nil, ErrNotFound
	}
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.buffers[id]; exists {
		return nil, fmt.Errorf("create %s: already exists", id)
	}
	data := make([]byte, size)
	m.buffers[id] = data
	return &heapBuffer{id: id, data: data}, nil
}

// Remove implements Allocator.
func (m *HeapMapper) Remove(id BufferID) error {
	m.mu.Lock()
	delete(m.buffers, id)
	m.mu.Unlock()
	return nil
}

type heapBuffer struct {
	id     BufferID
	data   []byte
	closed bool
}

func (b *heapBuffer) ID() BufferID  { return b.id }
func (b *heapBuffer) Bytes() []byte { return b.data }
func (b *heapBuffer) Size() int     { return len(b.data) }

func (b *heapBuffer) Close() error {
	if b.closed {
		return ErrBufferClosed
	}
	b.closed = true
	b.data = nil
	return nil
}
