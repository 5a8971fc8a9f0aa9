//go:build !unix

package sharedmem

// DefaultDir is unused off unix.
func DefaultDir() string { return "" }

// NewPlatformMapper returns the heap-backed implementation.
func NewPlatformMapper(string) (Platform, error) {
	return NewHeapMapper(), nil
}
