package host

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/prochost/internal/ipc"
	"github.com/GriffinCanCode/prochost/internal/ipc/channel"
	"github.com/GriffinCanCode/prochost/internal/launcher"
	"github.com/GriffinCanCode/prochost/internal/shared/id"
	"github.com/GriffinCanCode/prochost/internal/sharedmem"
)

var (
	ErrLaunchFailure = errors.New("launch failure")
	ErrHostDeleting  = errors.New("host is being deleted")
)

// inProcessProgram stands in for the child path in single-process mode.
const inProcessProgram = "in-process"

// ProcessHost owns one child process and everything attached to it.
type ProcessHost struct {
	id         int32
	registry   *Registry
	context    *BrowsingContext
	partition  PartitionID
	guest      bool
	privileged bool
	logger     *zap.Logger

	state   State
	channel channel.Channel
	process launcher.Process
	buffers *sharedmem.Cache
	routes  *EndpointTable
	pending []*ipc.Envelope
	routing id.Allocator

	launched   bool
	handshaken bool
	peerPID    int32

	backgrounded             bool
	visibleWidgets           int
	pendingViews             int
	fastShutdownStarted      bool
	deleting                 bool
	suddenTerminationAllowed bool
	ignoreInputEvents        bool
	awaitingHandleDump       bool
	lastActivity             time.Time
}

func newProcessHost(r *Registry, hostID int32, ctx *BrowsingContext, partition PartitionID, guest bool) *ProcessHost {
	logger := r.deps.Logger.Named("host").With(zap.Int32("host_id", hostID))
	cacheOpts := []sharedmem.CacheOption{
		sharedmem.WithRecorder(r.metrics),
		sharedmem.WithLogger(logger),
	}
	if r.opts.BufferCacheEntries > 0 {
		cacheOpts = append(cacheOpts, sharedmem.WithMaxEntries(r.opts.BufferCacheEntries))
	}
	if r.opts.BufferIdleTimeout > 0 {
		cacheOpts = append(cacheOpts, sharedmem.WithIdleTimeout(r.opts.BufferIdleTimeout))
	}

	return &ProcessHost{
		id:                       hostID,
		registry:                 r,
		context:                  ctx,
		partition:                partition,
		guest:                    guest,
		logger:                   logger,
		routes:                   NewEndpointTable(),
		buffers:                  sharedmem.NewCache(r.deps.Mapper, r.deps.Runner, cacheOpts...),
		backgrounded:             true,
		suddenTerminationAllowed: true,
		lastActivity:             r.deps.Now(),
	}
}

// ID is stable for as long as the host is registered.
func (h *ProcessHost) ID() int32                   { return h.id }
func (h *ProcessHost) State() State                { return h.state }
func (h *ProcessHost) Context() *BrowsingContext   { return h.context }
func (h *ProcessHost) Partition() PartitionID      { return h.partition }
func (h *ProcessHost) IsGuest() bool               { return h.guest }
func (h *ProcessHost) HasPrivilegedBindings() bool { return h.privileged }
func (h *ProcessHost) HasConnection() bool         { return h.channel != nil }
func (h *ProcessHost) PeerPID() int32              { return h.peerPID }
func (h *ProcessHost) IsDeleting() bool            { return h.deleting }
func (h *ProcessHost) FastShutdownStarted() bool   { return h.fastShutdownStarted }
func (h *ProcessHost) PendingMessageCount() int    { return len(h.pending) }
func (h *ProcessHost) Routes() *EndpointTable      { return h.routes }
func (h *ProcessHost) Buffers() *sharedmem.Cache   { return h.buffers }

// GrantPrivilegedBindings marks the host as able to serve privileged content.
func (h *ProcessHost) GrantPrivilegedBindings() { h.privileged = true }

// Handle returns the child's native handle or launcher.NullHandle.
func (h *ProcessHost) Handle() launcher.Handle {
	if h.process == nil {
		return launcher.NullHandle
	}
	return h.process.Handle()
}

// Init starts the child. It spawns at most once; later calls succeed without
// doing anything.
func (h *ProcessHost) Init() error {
	if h.deleting {
		return ErrHostDeleting
	}
	if h.state != StateUninitialized {
		return nil
	}

	r := h.registry
	program := inProcessProgram
	if !r.opts.SingleProcess {
		path, err := launcher.ResolveChildPath(r.opts.ChildPath)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLaunchFailure, err)
		}
		program = path
	}

	if err := r.deps.Guard.Allow(h.guardKey()); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}

	ch, err := r.deps.Channels(h)
	if err != nil {
		r.deps.Guard.Failure(h.guardKey())
		return fmt.Errorf("%w: create channel: %v", ErrLaunchFailure, err)
	}
	h.channel = ch
	r.register(h)

	cmd := h.commandLine(program)
	h.setState(StateLaunching)
	h.logger.Info("Launching child", zap.String("command", cmd.String()))
	h.process = r.deps.Launcher.Launch(cmd, h)
	return nil
}

func (h *ProcessHost) commandLine(program string) *launcher.CommandLine {
	cmd := launcher.NewCommandLine(program)
	if prefix := h.registry.opts.CommandPrefix; prefix != "" {
		cmd.SetPrefix(prefix)
	}
	cmd.AppendSwitch(launcher.SwitchProcessType, launcher.ProcessTypeRenderer)
	cmd.AppendSwitch(launcher.SwitchChannelID, h.channel.Address())
	cmd.AppendSwitch(launcher.SwitchHostID, strconv.Itoa(int(h.id)))
	cmd.SetEnv(launcher.EnvChannelNonce, h.channel.Nonce().String())
	h.registry.deps.Embedder.AppendExtraCommandLineSwitches(cmd, h.id)
	return cmd
}

func (h *ProcessHost) guardKey() string {
	if h.context == nil {
		return ""
	}
	return h.context.Name
}

// Send delivers env to the child, queueing it until the channel connects. It
// returns false when the message was dropped.
func (h *ProcessHost) Send(env *ipc.Envelope) bool {
	if h.deleting {
		return false
	}
	switch {
	case h.state == StateLaunching:
		h.pending = append(h.pending, env)
		return true
	case h.state.live() && h.channel != nil:
		return h.channel.Send(env)
	}
	return false
}

// AddRoute registers ep for routingID.
func (h *ProcessHost) AddRoute(routingID int32, ep Endpoint) error {
	return h.routes.Add(routingID, ep)
}

// RemoveRoute unregisters routingID and cleans up once nothing is left.
func (h *ProcessHost) RemoveRoute(routingID int32) {
	h.routes.Remove(routingID)

	// The one in-process child lives as long as the program.
	if h.registry.opts.SingleProcess {
		return
	}
	if h.registry.opts.AuditHandles && h.routes.IsEmpty() && h.state.live() {
		if !h.awaitingHandleDump {
			h.awaitingHandleDump = true
			h.Send(ipc.NewMessage(ipc.RoutingControl, ipc.MsgDumpHandles, nil))
		}
		return
	}
	h.Cleanup()
}

// NextRoutingID allocates a routing id unique within this host.
func (h *ProcessHost) NextRoutingID() int32 { return h.routing.Next() }

// GetBuffer returns the shared buffer id mapped through the host's cache.
func (h *ProcessHost) GetBuffer(bufferID sharedmem.BufferID) (sharedmem.Buffer, error) {
	return h.buffers.Get(bufferID)
}

// WidgetRestored counts a newly visible widget.
func (h *ProcessHost) WidgetRestored() {
	h.visibleWidgets++
	h.setBackgrounded(false)
}

// WidgetHidden uncounts a visible widget. Extra calls are ignored.
func (h *ProcessHost) WidgetHidden() {
	if h.backgrounded {
		return
	}
	h.visibleWidgets--
	if h.visibleWidgets == 0 {
		h.setBackgrounded(true)
	}
}

func (h *ProcessHost) VisibleWidgetCount() int { return h.visibleWidgets }
func (h *ProcessHost) Backgrounded() bool      { return h.backgrounded }

func (h *ProcessHost) setBackgrounded(backgrounded bool) {
	if h.backgrounded == backgrounded {
		return
	}
	h.backgrounded = backgrounded
	if h.process != nil && !h.process.IsStarting() {
		h.process.SetBackgrounded(backgrounded)
	}
}

func (h *ProcessHost) AddPendingView() { h.pendingViews++ }

func (h *ProcessHost) RemovePendingView() {
	if h.pendingViews > 0 {
		h.pendingViews--
	}
}

func (h *ProcessHost) PendingViewCount() int { return h.pendingViews }

// ActiveViewCount counts endpoints that are active views.
func (h *ProcessHost) ActiveViewCount() int {
	n := 0
	h.routes.Each(func(_ int32, ep Endpoint) {
		if v, ok := ep.(View); ok && v.IsActiveView() {
			n++
		}
	})
	return n
}

func (h *ProcessHost) SuddenTerminationAllowed() bool { return h.suddenTerminationAllowed }

func (h *ProcessHost) SetSuddenTerminationAllowed(allowed bool) {
	h.suddenTerminationAllowed = allowed
}

func (h *ProcessHost) IgnoreInputEvents() bool { return h.ignoreInputEvents }

func (h *ProcessHost) SetIgnoreInputEvents(ignore bool) { h.ignoreInputEvents = ignore }

// ChildProcessIdleTime is the time since the child last sent anything.
func (h *ProcessHost) ChildProcessIdleTime() time.Duration {
	return h.registry.deps.Now().Sub(h.lastActivity)
}

// WaitForFrame blocks up to maxDelay for a frame on routingID. It gives up at
// once while the child is still starting.
func (h *ProcessHost) WaitForFrame(routingID int32, maxDelay time.Duration) (*ipc.Envelope, bool) {
	if h.process == nil || h.process.IsStarting() || h.channel == nil || !h.state.live() {
		return nil, false
	}
	return h.channel.WaitFor(routingID, ipc.MsgFrameReady, maxDelay)
}

func (h *ProcessHost) setState(next State) {
	if h.state == next {
		return
	}
	h.logger.Debug("State change",
		zap.Stringer("from", h.state),
		zap.Stringer("to", next))
	h.state = next
	h.registry.metrics.RecordStateChange(next.String())
}
