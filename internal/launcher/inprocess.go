package launcher

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/prochost/internal/control"
)

// RunFunc is the body of an in-process child. It must return when ctx is
// cancelled.
type RunFunc func(ctx context.Context, cmd *CommandLine) error

// InProcessLauncher runs children as goroutines of the host process. It
// backs single-process mode.
type InProcessLauncher struct {
	poster control.Poster
	run    RunFunc
	logger *zap.Logger
}

// NewInProcessLauncher creates a launcher that runs fn for every child.
func NewInProcessLauncher(poster control.Poster, fn RunFunc, logger *zap.Logger) *InProcessLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProcessLauncher{
		poster: poster,
		run:    fn,
		logger: logger.Named("launcher"),
	}
}

// Launch implements Launcher. The launch result is posted immediately.
func (l *InProcessLauncher) Launch(cmdline *CommandLine, client Client) Process {
	ctx, cancel := context.WithCancel(context.Background())
	p := &inProcess{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.starting.Store(true)

	post := func(fn func()) {
		l.poster.Post(func() {
			if !p.released.Load() {
				fn()
			}
		})
	}

	post(func() {
		p.starting.Store(false)
		client.OnProcessLaunched()
	})

	go func() {
		err := l.run(ctx, cmdline)
		if err != nil && ctx.Err() == nil {
			l.logger.Warn("In-process child failed", zap.Error(err))
		}

		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)

		if ec, ok := client.(ExitClient); ok {
			post(ec.OnProcessExited)
		}
	}()
	return p
}

type inProcess struct {
	cancel context.CancelFunc

	mu            sync.Mutex
	err           error
	killRequested bool
	killCode      int

	starting atomic.Bool
	released atomic.Bool
	done     chan struct{}
}

func (p *inProcess) IsStarting() bool { return p.starting.Load() }

func (p *inProcess) Handle() Handle {
	select {
	case <-p.done:
		return NullHandle
	default:
		return Handle(os.Getpid())
	}
}

func (p *inProcess) TerminationStatus(bool) (TerminationStatus, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.killRequested {
		return StatusKilled, p.killCode
	}
	select {
	case <-p.done:
	default:
		return StatusStillRunning, 0
	}
	if p.err != nil {
		return StatusCrashed, 1
	}
	return StatusNormal, 0
}

func (p *inProcess) SetBackgrounded(bool) {}

func (p *inProcess) Terminate(exitCode int) bool {
	p.mu.Lock()
	p.killRequested = true
	p.killCode = exitCode
	p.mu.Unlock()
	p.cancel()
	return true
}

func (p *inProcess) Release() {
	p.released.Store(true)
	p.cancel()
}
