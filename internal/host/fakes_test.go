package host

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/prochost/internal/control"
	"github.com/GriffinCanCode/prochost/internal/ipc"
	"github.com/GriffinCanCode/prochost/internal/ipc/channel"
	"github.com/GriffinCanCode/prochost/internal/launcher"
	"github.com/GriffinCanCode/prochost/internal/shared/id"
)

type fakeChannel struct {
	listener channel.Listener
	sent     []*ipc.Envelope
	closed   bool
	frame    *ipc.Envelope
	waits    int
}

func (c *fakeChannel) ID() id.ChannelID { return "chan_1.test" }
func (c *fakeChannel) Address() string  { return "/tmp/prochost-test.sock" }
func (c *fakeChannel) Nonce() id.Nonce  { return "test-nonce" }

func (c *fakeChannel) Send(env *ipc.Envelope) bool {
	if c.closed {
		return false
	}
	c.sent = append(c.sent, env)
	return true
}

func (c *fakeChannel) WaitFor(routingID int32, msgType uint32, _ time.Duration) (*ipc.Envelope, bool) {
	c.waits++
	if c.frame != nil && c.frame.RoutingID == routingID && c.frame.Type == msgType {
		return c.frame, true
	}
	return nil, false
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

// routed returns sent messages that are not control traffic.
func (c *fakeChannel) routed() []*ipc.Envelope {
	var out []*ipc.Envelope
	for _, env := range c.sent {
		if !env.IsControl() {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeChannel) controlTypes() []uint32 {
	var out []uint32
	for _, env := range c.sent {
		if env.IsControl() {
			out = append(out, env.Type)
		}
	}
	return out
}

type fakeProcess struct {
	client       launcher.Client
	cmd          *launcher.CommandLine
	starting     bool
	handle       launcher.Handle
	status       launcher.TerminationStatus
	code         int
	backgrounded []bool
	terminated   []int
	released     bool
}

func (p *fakeProcess) IsStarting() bool { return p.starting }

func (p *fakeProcess) Handle() launcher.Handle {
	if p.starting {
		return launcher.NullHandle
	}
	return p.handle
}

func (p *fakeProcess) TerminationStatus(bool) (launcher.TerminationStatus, int) {
	return p.status, p.code
}

func (p *fakeProcess) SetBackgrounded(b bool) { p.backgrounded = append(p.backgrounded, b) }

func (p *fakeProcess) Terminate(code int) bool {
	p.terminated = append(p.terminated, code)
	p.status, p.code = launcher.StatusKilled, code
	return true
}

func (p *fakeProcess) Release() { p.released = true }

type fakeLauncher struct {
	procs []*fakeProcess
}

func (l *fakeLauncher) Launch(cmd *launcher.CommandLine, client launcher.Client) launcher.Process {
	p := &fakeProcess{
		client:   client,
		cmd:      cmd,
		starting: true,
		handle:   4242,
		status:   launcher.StatusStillRunning,
	}
	l.procs = append(l.procs, p)
	return p
}

type recordingEndpoint struct {
	messages []*ipc.Envelope
	active   bool
}

func (e *recordingEndpoint) OnMessageReceived(env *ipc.Envelope) bool {
	e.messages = append(e.messages, env)
	return true
}

func (e *recordingEndpoint) IsActiveView() bool { return e.active }

func (e *recordingEndpoint) gone() []ipc.ProcessGone {
	var out []ipc.ProcessGone
	for _, env := range e.messages {
		if env.Type != ipc.MsgProcessGone {
			continue
		}
		var g ipc.ProcessGone
		if err := ipc.DecodePayload(env, &g); err == nil {
			out = append(out, g)
		}
	}
	return out
}

type recordingObserver struct {
	events []string
	closed []TerminationDetails
}

func (o *recordingObserver) ProcessCreated(*ProcessHost)    { o.events = append(o.events, "created") }
func (o *recordingObserver) ProcessClosing(*ProcessHost)    { o.events = append(o.events, "closing") }
func (o *recordingObserver) ProcessTerminated(*ProcessHost) { o.events = append(o.events, "terminated") }

func (o *recordingObserver) ProcessClosed(_ *ProcessHost, d TerminationDetails) {
	o.events = append(o.events, "closed")
	o.closed = append(o.closed, d)
}

type recordingMetrics struct {
	states      []string
	gone        []string
	badMessages []string
	reuse       []string
	buffer      []string
	live        int
}

func (m *recordingMetrics) RecordStateChange(s string) { m.states = append(m.states, s) }
func (m *recordingMetrics) RecordProcessGone(s string) { m.gone = append(m.gone, s) }
func (m *recordingMetrics) RecordBadMessage(s string)  { m.badMessages = append(m.badMessages, s) }
func (m *recordingMetrics) RecordReuse(s string)       { m.reuse = append(m.reuse, s) }
func (m *recordingMetrics) RecordBufferCache(s string) { m.buffer = append(m.buffer, s) }
func (m *recordingMetrics) SetLiveHosts(n int)         { m.live = n }

type vetoEmbedder struct {
	DefaultEmbedder
	veto func(h *ProcessHost, site Site) bool
}

func (e vetoEmbedder) IsSuitableHost(h *ProcessHost, site Site) bool {
	return e.veto == nil || !e.veto(h, site)
}

type closedGuard struct{}

func (closedGuard) Allow(string) error { return errors.New("suppressed") }
func (closedGuard) Success(string)     {}
func (closedGuard) Failure(string)     {}

type harness struct {
	t        *testing.T
	loop     *control.Loop
	launcher *fakeLauncher
	metrics  *recordingMetrics
	observer *recordingObserver
	registry *Registry
	ctx      *BrowsingContext
	now      time.Time
}

func newHarness(t *testing.T, opts Options, mutate ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		loop:     control.NewLoop(nil),
		launcher: &fakeLauncher{},
		metrics:  &recordingMetrics{},
		observer: &recordingObserver{},
		ctx:      NewBrowsingContext("default"),
		now:      time.Unix(1_700_000_000, 0),
	}
	deps := Deps{
		Runner:   h.loop,
		Launcher: h.launcher,
		Metrics:  h.metrics,
		Channels: func(l channel.Listener) (channel.Channel, error) {
			return &fakeChannel{listener: l}, nil
		},
		Abort: func(reason string) { t.Fatalf("unexpected abort: %s", reason) },
		Now:   func() time.Time { return h.now },
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	h.registry = NewRegistry(deps, opts)
	h.registry.AddObserver(h.observer)
	return h
}

// launching returns an initialized host that has not launched yet.
func (h *harness) launching() *ProcessHost {
	h.t.Helper()
	host := h.registry.NewHost(h.ctx, DefaultPartition, false)
	require.NoError(h.t, host.Init())
	require.Equal(h.t, StateLaunching, host.State())
	return host
}

// connected returns a host that completed launch and handshake.
func (h *harness) connected() *ProcessHost {
	h.t.Helper()
	host := h.launching()
	h.launch(host)
	h.handshake(host)
	require.Equal(h.t, StateConnected, host.State())
	return host
}

func (h *harness) launch(host *ProcessHost) {
	p := procOf(host)
	p.starting = false
	p.client.OnProcessLaunched()
}

func (h *harness) handshake(host *ProcessHost) {
	chanOf(host).listener.OnChannelConnected(777)
}

func chanOf(host *ProcessHost) *fakeChannel { return host.channel.(*fakeChannel) }
func procOf(host *ProcessHost) *fakeProcess { return host.process.(*fakeProcess) }

func controlMsg(msgType uint32, payload interface{}) *ipc.Envelope {
	var data []byte
	if payload != nil {
		data = ipc.MustEncodePayload(payload)
	}
	return ipc.NewMessage(ipc.RoutingControl, msgType, data)
}
