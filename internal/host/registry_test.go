package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/prochost/internal/ipc"
	"github.com/GriffinCanCode/prochost/internal/launcher"
)

func TestReuseSelectionIsUniform(t *testing.T) {
	h := newHarness(t, Options{})
	hosts := []*ProcessHost{h.connected(), h.connected(), h.connected()}
	site := SiteForURL("https://x.example.com/page")

	counts := make(map[int32]int)
	for i := 0; i < 1000; i++ {
		picked := h.registry.GetExistingProcessHost(h.ctx, site)
		require.NotNil(t, picked)
		counts[picked.ID()]++
	}

	for _, host := range hosts {
		n := counts[host.ID()]
		assert.Greater(t, n, 250, "host %d picked %d times", host.ID(), n)
		assert.Less(t, n, 420, "host %d picked %d times", host.ID(), n)
	}
}

func TestProcessPerSiteEvictsUnsuitableHost(t *testing.T) {
	h := newHarness(t, Options{}, func(d *Deps) {
		d.Embedder = DefaultEmbedder{ProcessPerSite: true}
	})
	site := SiteForURL("https://mail.example.com")

	h1, err := h.registry.ProcessForSite(h.ctx, "https://mail.example.com/inbox")
	require.NoError(t, err)
	assert.Same(t, h1, h.registry.GetProcessHostForSite(h.ctx, site))

	again, err := h.registry.ProcessForSite(h.ctx, "https://www.example.com/")
	require.NoError(t, err)
	assert.Same(t, h1, again, "same registrable domain shares the host")

	// Binding mismatch makes h1 unsuitable for an unprivileged site.
	h1.GrantPrivilegedBindings()
	assert.Nil(t, h.registry.GetProcessHostForSite(h.ctx, site))

	// The entry is gone, not just skipped.
	h1.privileged = false
	assert.Nil(t, h.registry.GetProcessHostForSite(h.ctx, site))

	h2, err := h.registry.ProcessForSite(h.ctx, "https://mail.example.com/")
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)
	assert.Same(t, h2, h.registry.GetProcessHostForSite(h.ctx, site))
	assert.Equal(t, []Site{site}, h.registry.SitesFor(h2))
	assert.Contains(t, h.metrics.reuse, ReuseSiteEvict)
}

func TestPrivilegedSitesConsolidateByDefault(t *testing.T) {
	h := newHarness(t, Options{})

	a, err := h.registry.ProcessForSite(h.ctx, "internal://settings/privacy")
	require.NoError(t, err)
	assert.True(t, a.HasPrivilegedBindings())

	b, err := h.registry.ProcessForSite(h.ctx, "internal://settings/")
	require.NoError(t, err)
	assert.Same(t, a, b)

	devtools, err := h.registry.ProcessForSite(h.ctx, "devtools://devtools/inspector")
	require.NoError(t, err)
	assert.NotSame(t, a, devtools)
	assert.Empty(t, h.registry.SitesFor(devtools))
}

func TestIsSuitableHost(t *testing.T) {
	plain := SiteForURL("https://example.com")
	guestSite := SiteForURL("guest://partition-a")
	privileged := SiteForURL("internal://settings")

	tests := []struct {
		name     string
		opts     Options
		embedder Embedder
		setup    func(h *harness) *ProcessHost
		ctx      func(h *harness) *BrowsingContext
		site     Site
		want     bool
	}{
		{
			name:  "same context",
			setup: func(h *harness) *ProcessHost { return h.connected() },
			site:  plain,
			want:  true,
		},
		{
			name:  "other context",
			setup: func(h *harness) *ProcessHost { return h.connected() },
			ctx:   func(*harness) *BrowsingContext { return NewBrowsingContext("other") },
			site:  plain,
		},
		{
			name: "guest host takes anything",
			setup: func(h *harness) *ProcessHost {
				host := h.registry.NewHost(h.ctx, "guest:whatever", true)
				require.NoError(h.t, host.Init())
				return host
			},
			site: privileged,
			want: true,
		},
		{
			name:  "regular host refuses guest site",
			setup: func(h *harness) *ProcessHost { return h.connected() },
			site:  guestSite,
		},
		{
			name: "partition mismatch",
			setup: func(h *harness) *ProcessHost {
				host := h.registry.NewHost(h.ctx, "isolated-app", false)
				require.NoError(h.t, host.Init())
				return host
			},
			site: plain,
		},
		{
			name:  "privileged site needs bindings",
			setup: func(h *harness) *ProcessHost { return h.connected() },
			site:  privileged,
		},
		{
			name: "bindings must match",
			setup: func(h *harness) *ProcessHost {
				host := h.connected()
				host.GrantPrivilegedBindings()
				return host
			},
			site: privileged,
			want: true,
		},
		{
			name:     "embedder veto",
			embedder: vetoEmbedder{veto: func(*ProcessHost, Site) bool { return true }},
			setup:    func(h *harness) *ProcessHost { return h.connected() },
			site:     plain,
		},
		{
			name: "terminal host",
			setup: func(h *harness) *ProcessHost {
				host := h.connected()
				host.OnChannelError()
				return host
			},
			site: plain,
		},
		{
			name: "graceful shutdown in progress",
			setup: func(h *harness) *ProcessHost {
				host := h.connected()
				host.OnMessageReceived(controlMsg(ipc.MsgShutdownRequest, nil))
				require.Equal(h.t, StateShuttingDownGraceful, host.State())
				return host
			},
			site: plain,
		},
		{
			name: "single process ignores bindings",
			opts: Options{SingleProcess: true},
			setup: func(h *harness) *ProcessHost {
				return h.connected()
			},
			site: privileged,
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts, func(d *Deps) {
				if tt.embedder != nil {
					d.Embedder = tt.embedder
				}
			})
			host := tt.setup(h)
			ctx := h.ctx
			if tt.ctx != nil {
				ctx = tt.ctx(h)
			}
			assert.Equal(t, tt.want, h.registry.IsSuitableHost(host, ctx, tt.site))
		})
	}
}

func TestShouldTryToUseExistingProcessHost(t *testing.T) {
	plain := SiteForURL("https://example.com")
	h := newHarness(t, Options{MaxProcessCount: 2})
	assert.False(t, h.registry.ShouldTryToUseExistingProcessHost(h.ctx, plain), "no hosts yet")

	h.connected()
	assert.False(t, h.registry.ShouldTryToUseExistingProcessHost(h.ctx, plain), "below the cap")

	h.connected()
	assert.True(t, h.registry.ShouldTryToUseExistingProcessHost(h.ctx, plain), "at the cap")

	fresh := NewBrowsingContext("fresh")
	assert.False(t, h.registry.ShouldTryToUseExistingProcessHost(fresh, plain), "context without a host may exceed the cap")

	strict := newHarness(t, Options{MaxProcessCount: 1, StrictSiteIsolation: true})
	strict.connected()
	assert.False(t, strict.registry.ShouldTryToUseExistingProcessHost(strict.ctx, plain))

	single := newHarness(t, Options{SingleProcess: true})
	assert.True(t, single.registry.ShouldTryToUseExistingProcessHost(single.ctx, plain))
}

type eagerReuseEmbedder struct {
	DefaultEmbedder
}

func (eagerReuseEmbedder) ShouldTryToUseExistingProcessHost(*BrowsingContext, Site) bool {
	return true
}

func TestEmbedderMayReuseBelowCap(t *testing.T) {
	plain := SiteForURL("https://example.com")
	h := newHarness(t, Options{MaxProcessCount: 10}, func(d *Deps) {
		d.Embedder = eagerReuseEmbedder{}
	})
	first := h.connected()

	assert.True(t, h.registry.ShouldTryToUseExistingProcessHost(h.ctx, plain))
	got, err := h.registry.ProcessForSite(h.ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, 1, h.registry.Len())
}

func TestClosingHostIsNotReused(t *testing.T) {
	h := newHarness(t, Options{MaxProcessCount: 1})
	first := h.connected()
	first.OnMessageReceived(controlMsg(ipc.MsgShutdownRequest, nil))
	require.Equal(t, StateShuttingDownGraceful, first.State())

	got, err := h.registry.ProcessForSite(h.ctx, "https://example.com/")
	require.NoError(t, err)
	assert.NotSame(t, first, got)
	assert.Equal(t, StateLaunching, got.State())
}

func TestShutdownAllKillsBlockedChildren(t *testing.T) {
	h := newHarness(t, Options{})
	idle := h.connected()
	blocked := h.connected()
	blocked.SetSuddenTerminationAllowed(false)
	require.NoError(t, blocked.AddRoute(1, &recordingEndpoint{}))
	blockedProc := procOf(blocked)

	h.registry.ShutdownAll()

	assert.True(t, idle.IsDeleting())
	assert.Equal(t, []int{launcher.ResultCodeKilled}, blockedProc.terminated)
	assert.False(t, blocked.IsDeleting(), "endpoints keep the host registered")
	assert.Equal(t, 1, h.registry.Len())
}

func TestProcessForSiteReusesAtCap(t *testing.T) {
	h := newHarness(t, Options{MaxProcessCount: 1})

	first, err := h.registry.ProcessForSite(h.ctx, "https://a.test/")
	require.NoError(t, err)
	second, err := h.registry.ProcessForSite(h.ctx, "https://b.test/")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, h.registry.Len())
	assert.Equal(t, []string{ReuseNewProcess, ReuseExisting}, h.metrics.reuse)
}

func TestProcessForSiteReportsLaunchFailure(t *testing.T) {
	h := newHarness(t, Options{ChildPath: "/definitely/not/here"})

	_, err := h.registry.ProcessForSite(h.ctx, "https://a.test/")
	assert.ErrorIs(t, err, ErrLaunchFailure)
	assert.Zero(t, h.registry.Len())
}

func TestMaxProcessCount(t *testing.T) {
	tests := []struct {
		memory uint64
		want   int
	}{
		{memory: 0, want: MinProcessLimit},
		{memory: 256 << 20, want: MinProcessLimit},
		{memory: 1 << 30, want: 8},
		{memory: 8 << 30, want: 68},
		{memory: 64 << 30, want: MaxProcessLimit},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maxProcessCountForMemory(tt.memory), "memory %d", tt.memory)
	}

	h := newHarness(t, Options{})
	n := h.registry.MaxProcessCount()
	assert.GreaterOrEqual(t, n, MinProcessLimit)
	assert.LessOrEqual(t, n, MaxProcessLimit)

	h.registry.SetMaxProcessCount(5)
	assert.Equal(t, 5, h.registry.MaxProcessCount())
	h.registry.SetMaxProcessCount(1000)
	assert.Equal(t, MaxProcessLimit, h.registry.MaxProcessCount())
}

func TestRegisterSiteIgnoresEmptySite(t *testing.T) {
	h := newHarness(t, Options{})
	host := h.connected()

	h.registry.RegisterProcessHostForSite(h.ctx, "", host)
	assert.Empty(t, h.registry.SitesFor(host))
	assert.Nil(t, h.registry.GetProcessHostForSite(h.ctx, ""))
}

func TestUnregisterDropsSiteEntries(t *testing.T) {
	h := newHarness(t, Options{})
	host := h.connected()
	site := SiteForURL("https://a.test")
	h.registry.RegisterProcessHostForSite(h.ctx, site, host)
	h.registry.RegisterProcessHostForSite(h.ctx, SiteForURL("https://b.test"), host)

	host.Cleanup()

	assert.Nil(t, h.registry.FromID(host.ID()))
	assert.Nil(t, h.registry.GetProcessHostForSite(h.ctx, site))
	assert.Empty(t, h.registry.SitesFor(host))
	assert.Zero(t, h.metrics.live)
}

func TestObserversCanBeRemoved(t *testing.T) {
	h := newHarness(t, Options{})
	extra := &recordingObserver{}
	h.registry.AddObserver(extra)
	h.connected()
	h.registry.RemoveObserver(extra)
	h.connected()

	assert.Equal(t, []string{"created"}, extra.events)
	assert.Equal(t, []string{"created", "created"}, h.observer.events)
}

func TestHostsAreOrderedByID(t *testing.T) {
	h := newHarness(t, Options{})
	a, b, c := h.connected(), h.connected(), h.connected()

	assert.Equal(t, []*ProcessHost{a, b, c}, h.registry.Hosts())
	assert.Equal(t, 3, h.metrics.live)
}

func TestSiteForURL(t *testing.T) {
	tests := []struct {
		raw  string
		want Site
	}{
		{raw: "https://www.example.co.uk/a?b", want: "https://example.co.uk"},
		{raw: "HTTP://News.Example.COM:8080/", want: "http://example.com"},
		{raw: "https://127.0.0.1:443/x", want: "https://127.0.0.1"},
		{raw: "http://localhost/", want: "http://localhost"},
		{raw: "guest://partition-a/page", want: "guest://partition-a"},
		{raw: "internal:settings", want: "internal://settings"},
		{raw: "devtools://devtools/bundled", want: "devtools://devtools"},
		{raw: "file:///etc/hosts", want: "file:"},
		{raw: "not a url", want: ""},
		{raw: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, SiteForURL(tt.raw))
		})
	}

	assert.True(t, Site("guest://a").IsGuest())
	assert.True(t, Site("internal://settings").RequiresPrivilegedBindings())
	assert.False(t, Site("https://a.test").RequiresPrivilegedBindings())
	assert.Equal(t, "a.test", Site("https://a.test").Host())
	assert.Equal(t, "", Site("file:").Host())
}
