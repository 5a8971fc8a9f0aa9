//go:build unix

package sharedmem

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// FileMapper maps buffers backed by files in Dir, normally tmpfs.
type FileMapper struct {
	Dir string
}

// NewFileMapper returns a mapper rooted at dir, creating it if needed.
func NewFileMapper(dir string) (*FileMapper, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create buffer dir: %w", err)
	}
	return &FileMapper{Dir: dir}, nil
}

func (m *FileMapper) path(id BufferID) string {
	return filepath.Join(m.Dir, id.String())
}

// Map implements Mapper.
func (m *FileMapper) Map(id BufferID) (Buffer, error) {
	if !id.Valid() {
		return nil, ErrNotFound
	}

	f, err := os.OpenFile(m.path(id), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	}
	if info.Size() <= 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNotFound, id)
	}
	return mmapFile(id, f, int(info.Size()))
}

// Create implements Allocator.
func (m *FileMapper) Create(id BufferID, size int) (Buffer, error) {
	if !id.Valid() {
		return nil, ErrNotFound
	}
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	f, err := os.OpenFile(m.path(id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", id, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("size %s: %w", id, err)
	}
	return mmapFile(id, f, size)
}

// Remove implements Allocator. Existing mappings stay valid.
func (m *FileMapper) Remove(id BufferID) error {
	if err := os.Remove(m.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func mmapFile(id BufferID, f *os.File, size int) (Buffer, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrNotFound, id, err)
	}
	return &mappedBuffer{id: id, data: data}, nil
}

type mappedBuffer struct {
	id   BufferID
	mu   sync.Mutex
	data []byte
}

func (b *mappedBuffer) ID() BufferID { return b.id }

func (b *mappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func (b *mappedBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *mappedBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return ErrBufferClosed
	}
	err := unix.Munmap(b.data)
	b.data = nil
	return err
}
