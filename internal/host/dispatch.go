package host

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/prochost/internal/ipc"
)

// OnMessageReceived implements channel.Listener. Control traffic is handled
// here; everything else goes to the endpoint registered for its routing id.
// A child that has finished the handshake may talk before its launch result
// arrives, so those messages are dispatched too.
func (h *ProcessHost) OnMessageReceived(env *ipc.Envelope) bool {
	if !h.acceptsInbound() {
		return false
	}
	h.lastActivity = h.registry.deps.Now()

	if env.IsControl() {
		return h.onControlMessage(env)
	}

	if ep, ok := h.routes.Lookup(env.RoutingID); ok {
		return ep.OnMessageReceived(env)
	}

	// Nobody is listening. A sync caller still needs its one reply.
	if env.Sync {
		h.Send(ipc.NewErrorReply(env))
		return true
	}
	if env.Type == ipc.MsgBuffersSwapped {
		h.acknowledgeOrphanedSwap(env)
		return true
	}

	h.logger.Debug("Dropped message for missing route", zap.Stringer("envelope", env))
	return false
}

func (h *ProcessHost) acceptsInbound() bool {
	if h.deleting {
		return false
	}
	return h.state.live() || (h.state == StateLaunching && h.handshaken)
}

func (h *ProcessHost) acknowledgeOrphanedSwap(env *ipc.Envelope) {
	var swap ipc.BuffersSwapped
	if err := ipc.DecodePayload(env, &swap); err != nil {
		h.ReceivedBadMessage(env)
		return
	}
	if p := h.registry.deps.Presenter; p != nil {
		p.AcknowledgeBufferPresent(swap.RouteID, swap.GPUHostID, swap.Surface)
	}
}

func (h *ProcessHost) onControlMessage(env *ipc.Envelope) bool {
	switch env.Type {
	case ipc.MsgShutdownRequest:
		h.onShutdownRequest()

	case ipc.MsgDumpHandlesDone:
		h.onDumpHandlesDone()

	case ipc.MsgSuddenTerminationChanged:
		var msg ipc.SuddenTermination
		if err := ipc.DecodePayload(env, &msg); err != nil {
			h.ReceivedBadMessage(env)
			return true
		}
		h.suddenTerminationAllowed = msg.Allowed

	case ipc.MsgUserMetricsRecordAction:
		var msg ipc.UserAction
		if err := ipc.DecodePayload(env, &msg); err != nil || msg.Action == "" {
			h.ReceivedBadMessage(env)
			return true
		}
		if rec := h.registry.deps.ActionRecorder; rec != nil {
			rec.RecordAction(msg.Action)
		}

	case ipc.MsgSavedPage:
		var msg ipc.SavedPage
		if err := ipc.DecodePayload(env, &msg); err != nil {
			h.ReceivedBadMessage(env)
			return true
		}
		if obs := h.registry.deps.PageSaveObserver; obs != nil {
			obs.OnSavedPage(h.id, msg.JobID, msg.DataSize)
		}

	default:
		h.ReceivedBadMessage(env)
	}
	return true
}

// onShutdownRequest starts a graceful shutdown when nothing still needs the
// child. The child exits after it sees MsgShutdown.
func (h *ProcessHost) onShutdownRequest() {
	if h.pendingViews > 0 || h.ActiveViewCount() > 0 || h.registry.opts.SingleProcess {
		return
	}
	if h.state != StateConnected {
		return
	}

	h.registry.notifyClosing(h)
	h.setState(StateShuttingDownGraceful)
	h.Send(ipc.NewMessage(ipc.RoutingControl, ipc.MsgShutdown, nil))
}

func (h *ProcessHost) onDumpHandlesDone() {
	if !h.awaitingHandleDump {
		return
	}
	h.awaitingHandleDump = false
	h.Cleanup()
}
