package resilience

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrLaunchSuppressed is returned by LaunchGuard.Allow while launches for a
// key keep failing.
var ErrLaunchSuppressed = errors.New("launch suppressed")

// LaunchGuard keeps one breaker per key, typically a browsing context, so a
// child binary that cannot start stops being respawned in a tight loop.
type LaunchGuard struct {
	settings Settings
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewLaunchGuard creates a guard whose breakers share settings. A
// caller-provided OnStateChange runs after the guard's own logging.
func NewLaunchGuard(settings Settings, logger *zap.Logger) *LaunchGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &LaunchGuard{
		logger:   logger.Named("launch-guard"),
		breakers: make(map[string]*Breaker),
	}
	next := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to State) {
		g.logger.Info("Launch guard state changed",
			zap.String("key", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		if next != nil {
			next(name, from, to)
		}
	}
	g.settings = settings
	return g
}

// Allow admits a launch for key.
func (g *LaunchGuard) Allow(key string) error {
	err := g.breaker(key).Allow()
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w for %q: %v", ErrLaunchSuppressed, key, err)
}

// Success records a launch that reached a running child.
func (g *LaunchGuard) Success(key string) { g.breaker(key).Success() }

// Failure records a launch that never produced a running child.
func (g *LaunchGuard) Failure(key string) { g.breaker(key).Failure() }

// State reports the breaker state for key. Unknown keys are closed.
func (g *LaunchGuard) State(key string) State {
	g.mu.Lock()
	b, ok := g.breakers[key]
	g.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// States returns every tracked key that is not closed.
func (g *LaunchGuard) States() map[string]string {
	g.mu.Lock()
	breakers := make(map[string]*Breaker, len(g.breakers))
	for k, b := range g.breakers {
		breakers[k] = b
	}
	g.mu.Unlock()

	out := make(map[string]string)
	for k, b := range breakers {
		if st := b.State(); st != StateClosed {
			out[k] = st.String()
		}
	}
	return out
}

func (g *LaunchGuard) breaker(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[key]
	if !ok {
		b = New(key, g.settings)
		g.breakers[key] = b
	}
	return b
}
