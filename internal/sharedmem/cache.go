package sharedmem

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/prochost/internal/control"
)

const (
	DefaultMaxEntries  = 3
	DefaultIdleTimeout = 5 * time.Second
)

// Cache events reported to a Recorder.
const (
	EventHit   = "hit"
	EventMiss  = "miss"
	EventMap   = "map"
	EventEvict = "evict"
	EventSweep = "sweep"
)

// Recorder receives cache events, typically for metrics.
type Recorder interface {
	RecordBufferCache(event string)
}

type entry struct {
	buf  Buffer
	size int
	seq  uint64
}

// Cache is a bounded set of mapped buffers owned by one host. It is not safe
// for concurrent use; the control loop owns it.
//
// When full, the entry with the smallest size is evicted, ties going to the
// earliest inserted. If no Get happens for the idle window every entry is
// released at once.
type Cache struct {
	mapper     Mapper
	scheduler  control.Scheduler
	maxEntries int
	idle       time.Duration
	recorder   Recorder
	logger     *zap.Logger

	entries map[BufferID]*entry
	seq     uint64
	timer   control.Timer
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

func WithIdleTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.idle = d
		}
	}
}

func WithRecorder(r Recorder) CacheOption {
	return func(c *Cache) { c.recorder = r }
}

func WithLogger(l *zap.Logger) CacheOption {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCache creates an empty cache. The idle sweep runs through scheduler.
func NewCache(mapper Mapper, scheduler control.Scheduler, opts ...CacheOption) *Cache {
	c := &Cache{
		mapper:     mapper,
		scheduler:  scheduler,
		maxEntries: DefaultMaxEntries,
		idle:       DefaultIdleTimeout,
		logger:     zap.NewNop(),
		entries:    make(map[BufferID]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("buffers")
	return c
}

// Get returns the mapped buffer for id, mapping it on first use.
func (c *Cache) Get(id BufferID) (Buffer, error) {
	if !id.Valid() {
		c.record(EventMiss)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if e, ok := c.entries[id]; ok {
		c.resetTimer()
		c.record(EventHit)
		return e.buf, nil
	}

	buf, err := c.mapper.Map(id)
	if err != nil {
		c.record(EventMiss)
		return nil, err
	}
	c.record(EventMap)

	if len(c.entries) >= c.maxEntries {
		c.evictSmallest()
	}

	c.seq++
	c.entries[id] = &entry{buf: buf, size: buf.Size(), seq: c.seq}
	c.resetTimer()
	return buf, nil
}

// Clear releases every entry.
func (c *Cache) Clear() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.releaseAll()
}

// Len reports the number of mapped buffers.
func (c *Cache) Len() int { return len(c.entries) }

// Contains reports whether id is currently mapped.
func (c *Cache) Contains(id BufferID) bool {
	_, ok := c.entries[id]
	return ok
}

// Bytes reports the total mapped size.
func (c *Cache) Bytes() int {
	total := 0
	for _, e := range c.entries {
		total += e.size
	}
	return total
}

func (c *Cache) evictSmallest() {
	var victim BufferID
	var smallest *entry
	for id, e := range c.entries {
		if smallest == nil || e.size < smallest.size ||
			(e.size == smallest.size && e.seq < smallest.seq) {
			victim, smallest = id, e
		}
	}
	if smallest == nil {
		return
	}

	c.release(victim, smallest)
	c.record(EventEvict)
	c.logger.Debug("Evicted shared buffer",
		zap.Stringer("buffer_id", victim),
		zap.Int("size", smallest.size))
}

func (c *Cache) sweep() {
	if len(c.entries) == 0 {
		return
	}
	c.logger.Debug("Idle sweep", zap.Int("entries", len(c.entries)))
	c.releaseAll()
	c.record(EventSweep)
}

func (c *Cache) releaseAll() {
	for id, e := range c.entries {
		c.release(id, e)
	}
}

func (c *Cache) release(id BufferID, e *entry) {
	delete(c.entries, id)
	if err := e.buf.Close(); err != nil {
		c.logger.Warn("Unmap failed", zap.Stringer("buffer_id", id), zap.Error(err))
	}
}

func (c *Cache) resetTimer() {
	if c.timer == nil {
		c.timer = c.scheduler.NewTimer(c.sweep)
	}
	c.timer.Reset(c.idle)
}

func (c *Cache) record(event string) {
	if c.recorder != nil {
		c.recorder.RecordBufferCache(event)
	}
}
