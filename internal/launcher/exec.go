package launcher

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/prochost/internal/control"
)

// reapTimeout bounds how long TerminationStatus waits for a child the caller
// already believes is dead.
const reapTimeout = 100 * time.Millisecond

// ExecLauncher starts children with os/exec.
type ExecLauncher struct {
	poster control.Poster
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer
}

// Option configures an ExecLauncher.
type Option func(*ExecLauncher)

// WithOutput forwards child stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(l *ExecLauncher) {
		l.stdout = stdout
		l.stderr = stderr
	}
}

// NewExecLauncher creates a launcher that posts results to poster.
func NewExecLauncher(poster control.Poster, logger *zap.Logger, opts ...Option) *ExecLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &ExecLauncher{
		poster: poster,
		logger: logger.Named("launcher"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch implements Launcher. The spawn runs on its own goroutine.
func (l *ExecLauncher) Launch(cmdline *CommandLine, client Client) Process {
	p := &execProcess{
		launcher: l,
		client:   client,
		done:     make(chan struct{}),
	}
	p.starting.Store(true)
	go p.run(cmdline)
	return p
}

type execProcess struct {
	launcher *ExecLauncher
	client   Client

	mu            sync.Mutex
	cmd           *exec.Cmd
	pid           int
	state         *os.ProcessState
	launchFailed  bool
	killRequested bool
	killCode      int

	starting atomic.Bool
	released atomic.Bool
	done     chan struct{}
}

func (p *execProcess) run(cmdline *CommandLine) {
	argv := cmdline.Argv()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), cmdline.Env...)
	cmd.Stdout = p.launcher.stdout
	cmd.Stderr = p.launcher.stderr

	if err := cmd.Start(); err != nil {
		p.mu.Lock()
		p.launchFailed = true
		p.mu.Unlock()
		close(p.done)

		p.launcher.logger.Warn("Child launch failed",
			zap.String("program", cmdline.Program),
			zap.Error(err))
		failure := fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		p.post(func() {
			p.starting.Store(false)
			p.client.OnProcessLaunchFailed(failure)
		})
		return
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.mu.Unlock()

	// Released while spawning: the child must not outlive its host.
	if p.released.Load() {
		_ = cmd.Process.Kill()
	}

	p.launcher.logger.Debug("Child launched",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("program", cmdline.Program))
	p.post(func() {
		p.starting.Store(false)
		p.client.OnProcessLaunched()
	})

	_ = cmd.Wait()

	p.mu.Lock()
	p.state = cmd.ProcessState
	p.mu.Unlock()
	close(p.done)

	if ec, ok := p.client.(ExitClient); ok {
		p.post(ec.OnProcessExited)
	}
}

func (p *execProcess) post(fn func()) {
	p.launcher.poster.Post(func() {
		if p.released.Load() {
			return
		}
		fn()
	})
}

func (p *execProcess) IsStarting() bool {
	return p.starting.Load()
}

func (p *execProcess) Handle() Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != nil {
		return NullHandle
	}
	return Handle(p.pid)
}

func (p *execProcess) TerminationStatus(alreadyDead bool) (TerminationStatus, int) {
	if alreadyDead {
		select {
		case <-p.done:
		case <-time.After(reapTimeout):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.launchFailed:
		return StatusCrashed, ResultCodeLaunchFailed
	case p.killRequested:
		return StatusKilled, p.killCode
	case p.state == nil:
		return StatusStillRunning, 0
	}
	return classify(p.state)
}

func (p *execProcess) SetBackgrounded(backgrounded bool) {
	p.mu.Lock()
	pid, running := p.pid, p.pid > 0 && p.state == nil
	p.mu.Unlock()
	if !running {
		return
	}
	if err := setPriority(pid, backgrounded); err != nil {
		p.launcher.logger.Debug("Set priority failed",
			zap.Int("pid", pid),
			zap.Bool("backgrounded", backgrounded),
			zap.Error(err))
	}
}

func (p *execProcess) Terminate(exitCode int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.state != nil {
		return false
	}
	p.killRequested = true
	p.killCode = exitCode
	if err := p.cmd.Process.Kill(); err != nil {
		p.launcher.logger.Warn("Terminate failed", zap.Int("pid", p.pid), zap.Error(err))
		return false
	}
	return true
}

func (p *execProcess) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.state == nil {
		_ = p.cmd.Process.Kill()
	}
}

// classify maps an exit state onto a termination status and code. Signal
// deaths report 128+signal like a shell.
func classify(state *os.ProcessState) (TerminationStatus, int) {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		code := 128 + int(sig)
		switch sig {
		case syscall.SIGKILL, syscall.SIGTERM, syscall.SIGINT:
			return StatusKilled, code
		}
		return StatusCrashed, code
	}

	code := state.ExitCode()
	if code == ResultCodeNormalExit {
		return StatusNormal, ResultCodeNormalExit
	}
	return StatusCrashed, code
}
