package host

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/prochost/internal/ipc"
	"github.com/GriffinCanCode/prochost/internal/launcher"
)

// OnProcessLaunched implements launcher.Client.
func (h *ProcessHost) OnProcessLaunched() {
	if h.state != StateLaunching || h.deleting {
		return
	}
	h.launched = true
	h.registry.deps.Guard.Success(h.guardKey())
	h.process.SetBackgrounded(h.backgrounded)
	h.maybeConnected()
}

// OnProcessLaunchFailed implements launcher.Client.
func (h *ProcessHost) OnProcessLaunchFailed(err error) {
	if h.state != StateLaunching || h.deleting {
		return
	}
	h.logger.Warn("Child failed to launch", zap.Error(err))
	h.registry.deps.Guard.Failure(h.guardKey())
	h.processDied(true)
}

// OnProcessExited implements launcher.ExitClient.
func (h *ProcessHost) OnProcessExited() {
	if h.state.Terminal() || h.state == StateUninitialized || h.deleting {
		return
	}
	h.processDied(true)
}

// OnChannelConnected implements channel.Listener.
func (h *ProcessHost) OnChannelConnected(peerPID int32) {
	if h.state != StateLaunching || h.deleting {
		return
	}
	h.handshaken = true
	h.peerPID = peerPID
	h.maybeConnected()
}

// OnChannelError implements channel.Listener. A broken channel is treated as
// a crash. A running child that never completed the handshake is killed.
func (h *ProcessHost) OnChannelError() {
	if h.state.Terminal() || h.state == StateUninitialized || h.deleting {
		return
	}
	if h.launched && !h.handshaken {
		h.Terminate(launcher.ResultCodeChannelHandshake)
	}
	h.processDied(true)
}

// maybeConnected moves to StateConnected once the launch has succeeded and the
// child has completed the handshake.
func (h *ProcessHost) maybeConnected() {
	if !h.launched || !h.handshaken {
		return
	}
	h.setState(StateConnected)
	h.logger.Info("Child connected", zap.Int32("peer_pid", h.peerPID))

	h.channel.Send(ipc.NewMessage(ipc.RoutingControl, ipc.MsgSetProcessID,
		ipc.MustEncodePayload(ipc.ProcessID{HostID: h.id})))

	queued := h.pending
	h.pending = nil
	for _, env := range queued {
		h.channel.Send(env)
	}

	h.registry.notifyCreated(h)
}

func (h *ProcessHost) processDied(alreadyDead bool) {
	details := TerminationDetails{Status: launcher.StatusStillRunning}
	if h.process != nil {
		details.Status, details.ExitCode = h.process.TerminationStatus(alreadyDead)
	}
	h.disconnect(StateDisconnected, details)
}

// disconnect releases the child and tells every endpoint it is gone. Endpoints
// may remove themselves while being notified.
func (h *ProcessHost) disconnect(next State, details TerminationDetails) {
	h.setState(next)
	h.logger.Info("Child gone",
		zap.Stringer("status", details.Status),
		zap.Int("exit_code", details.ExitCode))
	h.registry.metrics.RecordProcessGone(details.Status.String())

	h.pending = nil
	if h.channel != nil {
		_ = h.channel.Close()
		h.channel = nil
	}
	if h.process != nil {
		h.process.Release()
		h.process = nil
	}
	h.buffers.Clear()
	h.awaitingHandleDump = false

	gone := ipc.ProcessGone{
		Status:     int32(details.Status),
		StatusName: details.Status.String(),
		ExitCode:   int32(details.ExitCode),
	}
	h.routes.Each(func(routingID int32, ep Endpoint) {
		ep.OnMessageReceived(ipc.NewProcessGone(routingID, gone))
	})

	h.registry.notifyClosed(h, details)
}

// FastShutdownIfPossible declares the child dead without waiting for it. Any
// queued or in-flight messages are dropped.
func (h *ProcessHost) FastShutdownIfPossible() bool {
	if h.registry.opts.SingleProcess {
		return false
	}
	if !h.registry.deps.Embedder.IsFastShutdownPossible() {
		return false
	}
	if h.deleting || h.state.Terminal() || h.process == nil || h.process.IsStarting() || !h.launched {
		return false
	}
	if !h.suddenTerminationAllowed {
		return false
	}

	h.fastShutdownStarted = true
	h.disconnect(StateShuttingDownFast, TerminationDetails{Status: launcher.StatusNormal})
	return true
}

// FastShutdownForPageCount fast-shuts the host when exactly count views are
// active on it.
func (h *ProcessHost) FastShutdownForPageCount(count int) bool {
	if h.ActiveViewCount() != count {
		return false
	}
	return h.FastShutdownIfPossible()
}

// Cleanup schedules destruction once no endpoint and no pending view remain.
// The host leaves the registry immediately so it cannot be reused.
func (h *ProcessHost) Cleanup() {
	if h.deleting {
		return
	}
	if !h.routes.IsEmpty() || h.pendingViews > 0 {
		return
	}

	h.registry.notifyTerminated(h)
	h.deleting = true
	if h.channel != nil {
		_ = h.channel.Close()
		h.channel = nil
	}
	h.registry.unregister(h)

	if !h.registry.deps.Runner.Post(h.teardown) {
		h.teardown()
	}
}

func (h *ProcessHost) teardown() {
	h.setState(StateDeleting)
	h.pending = nil
	if h.process != nil {
		h.process.Release()
		h.process = nil
	}
	h.buffers.Clear()
	h.logger.Debug("Host destroyed")
}

// ReceivedBadMessage handles a protocol violation by the child. Only the child
// is killed; the host survives and sees the death through the usual path.
func (h *ProcessHost) ReceivedBadMessage(env *ipc.Envelope) {
	typeName := "unknown"
	fields := []zap.Field{}
	if env != nil {
		typeName = ipc.TypeName(env.Type)
		fields = append(fields, zap.Stringer("envelope", env))
	}
	h.registry.metrics.RecordBadMessage(typeName)
	if h.registry.badMessage.Allow() {
		h.logger.Warn("Bad message from child", append(fields, zap.String("type", typeName))...)
	}

	if h.registry.opts.SingleProcess {
		h.registry.deps.Abort("bad message " + typeName)
		return
	}
	h.Terminate(launcher.ResultCodeKilledBadMessage)
}

// Terminate kills the child, recording code as the reason. The host
// survives and learns of the death through the usual exit path.
func (h *ProcessHost) Terminate(code int) bool {
	if h.deleting || h.process == nil || h.registry.opts.SingleProcess {
		return false
	}
	h.logger.Info("Terminating child", zap.Int("code", code))
	return h.process.Terminate(code)
}
