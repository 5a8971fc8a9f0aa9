//go:build unix

package sharedmem

import (
	"os"
	"path/filepath"
)

// DefaultDir is where buffer files live: /dev/shm when present.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", "prochost")
	}
	return filepath.Join(os.TempDir(), "prochost-shm")
}

// NewPlatformMapper returns the mmap-backed implementation.
func NewPlatformMapper(dir string) (Platform, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	return NewFileMapper(dir)
}
