package tracing

import (
	"context"
	"fmt"
	"strconv"

	"github.com/GriffinCanCode/prochost/internal/host"
	"github.com/GriffinCanCode/prochost/internal/launcher"
)

// HostLifetimes traces each host from its first connection until its child
// is gone. It is a host.Observer and, like every observer, runs on the
// control loop.
type HostLifetimes struct {
	tracer *Tracer
	open   map[int32]*Span
}

// NewHostLifetimes creates an observer that submits spans to tracer.
func NewHostLifetimes(tracer *Tracer) *HostLifetimes {
	return &HostLifetimes{tracer: tracer, open: make(map[int32]*Span)}
}

func (l *HostLifetimes) ProcessCreated(h *host.ProcessHost) {
	if _, ok := l.open[h.ID()]; ok {
		return
	}
	span, _ := l.tracer.StartSpan(context.Background(), "host.lifetime")
	span.SetTag("host_id", strconv.Itoa(int(h.ID())))
	span.SetTag("peer_pid", strconv.Itoa(int(h.PeerPID())))
	if ctx := h.Context(); ctx != nil {
		span.SetTag("context", ctx.Name)
	}
	span.SetTag("partition", string(h.Partition()))
	l.open[h.ID()] = span
}

func (l *HostLifetimes) ProcessClosing(h *host.ProcessHost) {
	if span, ok := l.open[h.ID()]; ok {
		span.Log("graceful shutdown requested")
	}
}

func (l *HostLifetimes) ProcessClosed(h *host.ProcessHost, details host.TerminationDetails) {
	span, ok := l.open[h.ID()]
	if !ok {
		return
	}
	delete(l.open, h.ID())

	span.SetTag("status", details.Status.String())
	span.SetTag("exit_code", strconv.Itoa(details.ExitCode))
	if details.Status == launcher.StatusCrashed {
		span.SetError(fmt.Errorf("child crashed with code %d", details.ExitCode))
	}
	span.Finish()
	l.tracer.Submit(span)
}

// ProcessTerminated closes a span whose host is deleted without a
// ProcessClosed, as after a fast shutdown that was never reported.
func (l *HostLifetimes) ProcessTerminated(h *host.ProcessHost) {
	span, ok := l.open[h.ID()]
	if !ok {
		return
	}
	delete(l.open, h.ID())
	span.Log("host deleted")
	span.Finish()
	l.tracer.Submit(span)
}

// Open reports the number of hosts with an unfinished span.
func (l *HostLifetimes) Open() int { return len(l.open) }
