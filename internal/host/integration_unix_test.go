//go:build unix

package host

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/prochost/internal/control"
	"github.com/GriffinCanCode/prochost/internal/ipc"
	"github.com/GriffinCanCode/prochost/internal/launcher"
	"github.com/GriffinCanCode/prochost/internal/renderer"
)

const childEnv = "PROCHOST_HOST_TEST_CHILD"

// TestMain doubles as the child entry point for the exec tests: the test
// binary is relaunched with renderer switches that the testing flags would
// reject.
func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		if err := renderer.Main(context.Background(), os.Args[1:], nil); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type chanEndpoint chan *ipc.Envelope

func (c chanEndpoint) OnMessageReceived(env *ipc.Envelope) bool {
	c <- env
	return true
}

func (c chanEndpoint) next(t *testing.T, msgType uint32) *ipc.Envelope {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case env := <-c:
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s message", ipc.TypeName(msgType))
			return nil
		}
	}
}

func startRegistry(t *testing.T) (*control.Loop, *Registry) {
	t.Helper()
	t.Setenv(childEnv, "1")

	loop := control.NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	reg := NewRegistry(Deps{
		Runner:   loop,
		Launcher: launcher.NewExecLauncher(loop, nil),
	}, Options{})
	return loop, reg
}

func onLoop(t *testing.T, loop *control.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, loop.Call(ctx, fn))
}

func TestChildRoundTripAndFastShutdown(t *testing.T) {
	loop, reg := startRegistry(t)
	ep := make(chanEndpoint, 16)
	bctx := NewBrowsingContext("integration")

	var host *ProcessHost
	var err error
	sent := false
	onLoop(t, loop, func() {
		host, err = reg.ProcessForSite(bctx, "https://a.test/")
		if err == nil {
			err = host.AddRoute(1, ep)
			sent = host.Send(ipc.NewMessage(1, 77, []byte("draw")))
		}
	})
	require.NoError(t, err)
	require.True(t, sent)

	frame := ep.next(t, ipc.MsgFrameReady)
	assert.Equal(t, []byte("draw"), frame.Payload)

	var state State
	var handle launcher.Handle
	var shutdown bool
	onLoop(t, loop, func() {
		state, handle = host.State(), host.Handle()
		shutdown = host.FastShutdownIfPossible()
	})
	assert.Equal(t, StateConnected, state)
	assert.True(t, handle.Valid())
	require.True(t, shutdown)

	gone := ep.next(t, ipc.MsgProcessGone)
	var g ipc.ProcessGone
	require.NoError(t, ipc.DecodePayload(gone, &g))
	assert.Equal(t, "normal", g.StatusName)
}

func TestBadMessageKillsRealChild(t *testing.T) {
	loop, reg := startRegistry(t)
	ep := make(chanEndpoint, 16)
	bctx := NewBrowsingContext("integration")

	var host *ProcessHost
	var err error
	onLoop(t, loop, func() {
		host, err = reg.ProcessForSite(bctx, "https://b.test/")
		if err == nil {
			err = host.AddRoute(2, ep)
			host.Send(ipc.NewMessage(2, 1, nil))
		}
	})
	require.NoError(t, err)
	ep.next(t, ipc.MsgFrameReady)

	onLoop(t, loop, func() {
		host.OnMessageReceived(ipc.NewMessage(ipc.RoutingControl, 31337, nil))
	})

	gone := ep.next(t, ipc.MsgProcessGone)
	var g ipc.ProcessGone
	require.NoError(t, ipc.DecodePayload(gone, &g))
	assert.Equal(t, "killed", g.StatusName)
	assert.Equal(t, int32(launcher.ResultCodeKilledBadMessage), g.ExitCode)

	var state State
	onLoop(t, loop, func() { state = host.State() })
	assert.Equal(t, StateDisconnected, state)
}
