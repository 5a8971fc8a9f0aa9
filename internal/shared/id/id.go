// Package id provides centralized ID generation for the process host.
//
// Two ID spaces exist:
//   - Host IDs: small int32 values handed out by an Allocator, unique for the
//     lifetime of an allocator. They travel on the wire and in routing tables.
//   - Channel IDs: prefixed ULIDs naming a channel endpoint on disk. They are
//     k-sortable so socket directories list in creation order.
//
// Handshake nonces are random UUIDs and carry no ordering.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ChannelID names one host-side channel endpoint.
type ChannelID string

// Nonce is a one-shot secret exchanged during the channel handshake.
type Nonce string

// ChannelPrefix tags channel IDs in logs and socket file names.
const ChannelPrefix = "chan"

// String returns the raw channel ID.
func (c ChannelID) String() string { return string(c) }

// String returns the raw nonce.
func (n Nonce) String() string { return string(n) }

// ============================================================================
// Host ID Allocation
// ============================================================================

// Allocator hands out int32 host IDs. Zero and negative values are never
// returned, so zero can be used as "no host".
type Allocator struct {
	next atomic.Int32
}

// NewAllocator creates an allocator whose first ID is 1.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Next returns the next unused host ID. It panics once the int32 space is
// exhausted; a session never lives long enough for that to happen.
func (a *Allocator) Next() int32 {
	v := a.next.Add(1)
	if v <= 0 || v == math.MaxInt32 {
		panic("id: host id space exhausted")
	}
	return v
}

// ============================================================================
// Channel ID Generation
// ============================================================================

// Generator generates channel IDs with a monotonic ULID entropy source.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// ChannelID creates a channel ID scoped to the given owner PID, mirroring
// the "<pid>.<random>" shape child processes expect on their command line.
func (g *Generator) ChannelID(ownerPID int) ChannelID {
	return ChannelID(fmt.Sprintf("%s_%d.%s", ChannelPrefix, ownerPID, g.Generate().String()))
}

// NewChannelID generates a channel ID with the default generator.
func NewChannelID(ownerPID int) ChannelID {
	return Default().ChannelID(ownerPID)
}

// NewNonce generates a random handshake nonce.
func NewNonce() Nonce {
	return Nonce(uuid.NewString())
}

// ============================================================================
// Validation
// ============================================================================

// ParseChannelID splits a channel ID into its owner PID and ULID parts.
func ParseChannelID(c ChannelID) (int, ulid.ULID, error) {
	rest, ok := strings.CutPrefix(string(c), ChannelPrefix+"_")
	if !ok {
		return 0, ulid.ULID{}, fmt.Errorf("channel id %q: missing %q prefix", c, ChannelPrefix)
	}

	pidPart, ulidPart, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, ulid.ULID{}, fmt.Errorf("channel id %q: missing separator", c)
	}

	var pid int
	if _, err := fmt.Sscanf(pidPart, "%d", &pid); err != nil {
		return 0, ulid.ULID{}, fmt.Errorf("channel id %q: bad owner pid: %w", c, err)
	}

	parsed, err := ulid.Parse(ulidPart)
	if err != nil {
		return 0, ulid.ULID{}, fmt.Errorf("channel id %q: %w", c, err)
	}
	return pid, parsed, nil
}

// IsValidNonce reports whether n parses as a UUID.
func IsValidNonce(n Nonce) bool {
	_, err := uuid.Parse(string(n))
	return err == nil
}
