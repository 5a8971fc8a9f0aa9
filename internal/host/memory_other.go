//go:build !linux && !darwin

package host

// physicalMemory is unknown here; the cap falls back to its minimum.
func physicalMemory() uint64 { return 0 }
