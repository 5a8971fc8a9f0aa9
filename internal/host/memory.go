package host

const (
	MinProcessLimit = 3
	MaxProcessLimit = 82

	// estimatedChildMemoryMB is the planning footprint of one child.
	estimatedChildMemoryMB = 60
)

// maxProcessCountForMemory sizes the soft cap so children may use half of
// physical memory.
func maxProcessCountForMemory(totalBytes uint64) int {
	mb := totalBytes / (1 << 20)
	n := int(mb / 2 / estimatedChildMemoryMB)
	switch {
	case n < MinProcessLimit:
		return MinProcessLimit
	case n > MaxProcessLimit:
		return MaxProcessLimit
	}
	return n
}
