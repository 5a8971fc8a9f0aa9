// Package sharedmem caches shared-memory buffers mapped from child processes.
//
// Mapping goes through the Mapper capability interface. NewPlatformMapper
// picks the implementation for the build platform: mmap'd files on unix, a
// process-local heap registry elsewhere.
package sharedmem

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("shared buffer not found")
	ErrInvalidSize  = errors.New("invalid shared buffer size")
	ErrBufferClosed = errors.New("shared buffer closed")
)

// BufferID names a buffer shared between a child and the host. Zero is never
// a valid id.
type BufferID uint32

// Valid reports whether id can name a buffer.
func (id BufferID) Valid() bool { return id != 0 }

func (id BufferID) String() string { return fmt.Sprintf("buf-%d", uint32(id)) }

// Buffer is one mapped region. Close unmaps it.
type Buffer interface {
	ID() BufferID
	Bytes() []byte
	Size() int
	Close() error
}

// Mapper maps buffers that already exist.
type Mapper interface {
	Map(id BufferID) (Buffer, error)
}

// Allocator creates buffers. Producers allocate, the host maps.
type Allocator interface {
	Create(id BufferID, size int) (Buffer, error)
	Remove(id BufferID) error
}

// Platform is a Mapper that can also allocate.
type Platform interface {
	Mapper
	Allocator
}
