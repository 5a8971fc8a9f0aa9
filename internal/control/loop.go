package control

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrLoopStopped = errors.New("control loop stopped")
	ErrLoopRunning = errors.New("control loop already running")
)

// Task is a unit of work executed on the control loop.
type Task func()

// Poster accepts tasks from any goroutine for execution on the control loop.
type Poster interface {
	Post(task Task) bool
}

// Loop is an unbounded FIFO task queue drained by one goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []Task
	stopped bool

	wake    chan struct{}
	running atomic.Bool
	logger  *zap.Logger

	posted   atomic.Uint64
	executed atomic.Uint64
	panicked atomic.Uint64
}

// NewLoop creates a stopped-but-open loop. Tasks may be posted before Run.
func NewLoop(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		logger: logger.Named("control"),
	}
}

// Post appends task to the queue. It returns false once the loop is stopped.
func (l *Loop) Post(task Task) bool {
	if task == nil {
		return false
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	l.posted.Add(1)

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run drains the queue until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	for {
		l.RunUntilIdle()

		l.mu.Lock()
		stopped := l.stopped
		l.mu.Unlock()
		if stopped {
			return nil
		}

		select {
		case <-ctx.Done():
			l.Stop()
			l.RunUntilIdle()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// RunUntilIdle runs queued tasks on the calling goroutine, including tasks
// posted while draining, and returns once the queue is empty. It must not be
// called concurrently with Run.
func (l *Loop) RunUntilIdle() int {
	ran := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return ran
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.execute(task)
		ran++
	}
}

// Call posts fn and waits for it to finish. It must not be called from a task
// already running on the loop.
func (l *Loop) Call(ctx context.Context, fn Task) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrLoopStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue. Already queued tasks still run; later Posts fail.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Stats returns loop counters.
func (l *Loop) Stats() map[string]interface{} {
	return map[string]interface{}{
		"posted":   l.posted.Load(),
		"executed": l.executed.Load(),
		"panicked": l.panicked.Load(),
		"pending":  l.Pending(),
		"running":  l.running.Load(),
	}
}

func (l *Loop) execute(task Task) {
	defer func() {
		l.executed.Add(1)
		if r := recover(); r != nil {
			l.panicked.Add(1)
			l.logger.Error("Control task panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	task()
}

// ============================================================================
// Timers
// ============================================================================

// Timer is a restartable one-shot timer whose callback runs on the loop.
type Timer interface {
	// Reset (re)arms the timer to fire after d, discarding any pending fire.
	Reset(d time.Duration)
	// Stop disarms the timer. It reports whether the timer was armed.
	Stop() bool
}

// Scheduler creates timers bound to the control context.
type Scheduler interface {
	NewTimer(fn Task) Timer
}

// NewTimer returns a disarmed timer that posts fn to the loop when it fires.
func (l *Loop) NewTimer(fn Task) Timer {
	return &loopTimer{loop: l, fn: fn}
}

// AfterFunc arms a timer that runs fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn Task) Timer {
	t := l.NewTimer(fn)
	t.Reset(d)
	return t
}

type loopTimer struct {
	loop *Loop
	fn   Task

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
	armed bool
}

func (t *loopTimer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	t.armed = true

	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.loop.Post(func() { t.fire(gen) })
	})
}

func (t *loopTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasArmed := t.armed
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	t.armed = false
	return wasArmed
}

// fire runs on the loop. A fire posted before a Reset or Stop is stale.
func (t *loopTimer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.armed {
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.mu.Unlock()

	t.fn()
}
