package host

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/prochost/internal/control"
	"github.com/GriffinCanCode/prochost/internal/ipc/channel"
	"github.com/GriffinCanCode/prochost/internal/launcher"
	"github.com/GriffinCanCode/prochost/internal/shared/id"
	"github.com/GriffinCanCode/prochost/internal/sharedmem"
)

// Runner is the control loop as seen by hosts.
type Runner interface {
	control.Poster
	control.Scheduler
}

// ChannelFactory creates the server end of a host's channel.
type ChannelFactory func(listener channel.Listener) (channel.Channel, error)

// Options tune host behavior.
type Options struct {
	// ChildPath is the child executable. Empty means the running binary.
	ChildPath string
	// CommandPrefix wraps every child command, e.g. "valgrind".
	CommandPrefix string
	// SingleProcess runs children inside the host process.
	SingleProcess bool
	// AuditHandles asks children to dump their handles before cleanup.
	AuditHandles bool
	// StrictSiteIsolation disables opportunistic reuse of existing hosts.
	StrictSiteIsolation bool
	// MaxProcessCount overrides the memory-derived soft cap when positive.
	MaxProcessCount int

	BufferCacheEntries int
	BufferIdleTimeout  time.Duration

	// BadMessageLogRate limits bad message log lines per second.
	BadMessageLogRate float64
}

// Deps are the collaborators a Registry drives.
type Deps struct {
	Runner           Runner
	Launcher         launcher.Launcher
	Channels         ChannelFactory
	Mapper           sharedmem.Mapper
	Embedder         Embedder
	Guard            LaunchGuard
	Metrics          Metrics
	Presenter        BufferPresenter
	PageSaveObserver PageSaveObserver
	ActionRecorder   ActionRecorder
	Logger           *zap.Logger
	// Abort ends the program on a bad message in single-process mode.
	Abort func(reason string)
	Rand  *rand.Rand
	Now   func() time.Time
}

// Registry owns every live host and the per-context site maps.
type Registry struct {
	deps    Deps
	opts    Options
	logger  *zap.Logger
	metrics Metrics

	hosts     map[int32]*ProcessHost
	sites     map[*BrowsingContext]map[Site]*ProcessHost
	observers []Observer
	ids       id.Allocator

	maxProcs   int
	badMessage *rate.Limiter
}

// NewRegistry creates a registry. Runner and Launcher are required.
func NewRegistry(deps Deps, opts Options) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Embedder == nil {
		deps.Embedder = DefaultEmbedder{}
	}
	if deps.Guard == nil {
		deps.Guard = allowAllGuard{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Mapper == nil {
		deps.Mapper = sharedmem.NewHeapMapper()
	}
	if deps.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		deps.Rand = rand.New(rand.NewPCG(seed, seed>>7|1))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	logger := deps.Logger.Named("registry")
	if deps.Abort == nil {
		deps.Abort = func(reason string) {
			logger.Fatal("Aborting on bad message", zap.String("reason", reason))
		}
	}
	if deps.Channels == nil {
		runner := deps.Runner
		channelLogger := deps.Logger
		deps.Channels = func(listener channel.Listener) (channel.Channel, error) {
			return channel.NewServer(channel.DefaultConfig(), listener, runner, channelLogger)
		}
	}

	logRate := opts.BadMessageLogRate
	if logRate <= 0 {
		logRate = 1
	}

	return &Registry{
		deps:       deps,
		opts:       opts,
		logger:     logger,
		metrics:    deps.Metrics,
		hosts:      make(map[int32]*ProcessHost),
		sites:      make(map[*BrowsingContext]map[Site]*ProcessHost),
		maxProcs:   opts.MaxProcessCount,
		badMessage: rate.NewLimiter(rate.Limit(logRate), 5),
	}
}

// NewHost creates an uninitialized host. It joins the registry on Init.
func (r *Registry) NewHost(ctx *BrowsingContext, partition PartitionID, guest bool) *ProcessHost {
	return newProcessHost(r, r.ids.Next(), ctx, partition, guest)
}

// FromID returns the registered host with id, or nil.
func (r *Registry) FromID(hostID int32) *ProcessHost {
	return r.hosts[hostID]
}

func (r *Registry) Len() int { return len(r.hosts) }

// Hosts returns registered hosts ordered by id.
func (r *Registry) Hosts() []*ProcessHost {
	out := make([]*ProcessHost, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

func (r *Registry) RemoveObserver(o Observer) {
	for i, existing := range r.observers {
		if existing == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

func (r *Registry) register(h *ProcessHost) {
	r.hosts[h.id] = h
	r.metrics.SetLiveHosts(len(r.hosts))
}

// unregister drops h from the table and from every site map.
func (r *Registry) unregister(h *ProcessHost) {
	if r.hosts[h.id] != h {
		return
	}
	delete(r.hosts, h.id)
	for ctx, sites := range r.sites {
		for site, mapped := range sites {
			if mapped == h {
				delete(sites, site)
			}
		}
		if len(sites) == 0 {
			delete(r.sites, ctx)
		}
	}
	r.metrics.SetLiveHosts(len(r.hosts))
}

// IsSuitableHost reports whether h may host content from site in ctx.
func (r *Registry) IsSuitableHost(h *ProcessHost, ctx *BrowsingContext, site Site) bool {
	if h == nil || h.deleting || h.fastShutdownStarted || h.state.closing() {
		return false
	}
	if h.context != ctx {
		return false
	}
	if r.opts.SingleProcess {
		return true
	}
	if h.guest {
		return true
	}
	if site.IsGuest() {
		return false
	}
	if h.partition != r.deps.Embedder.PartitionForSite(ctx, site) {
		return false
	}
	if h.privileged != r.deps.Embedder.RequiresPrivilegedBindings(ctx, site) {
		return false
	}
	return r.deps.Embedder.IsSuitableHost(h, site)
}

// MaxProcessCount is the soft cap on live hosts.
func (r *Registry) MaxProcessCount() int {
	if r.maxProcs <= 0 {
		r.maxProcs = maxProcessCountForMemory(physicalMemory())
	}
	return r.maxProcs
}

// SetMaxProcessCount overrides the cap. Values outside [1, MaxProcessLimit]
// are clamped.
func (r *Registry) SetMaxProcessCount(n int) {
	switch {
	case n < 1:
		n = 1
	case n > MaxProcessLimit:
		n = MaxProcessLimit
	}
	r.maxProcs = n
}

// ShouldTryToUseExistingProcessHost reports whether a caller placing site
// should look for a host to reuse before creating one. At the cap the answer
// is yes; below it the embedder decides. A context with no host of its own
// may exceed the cap.
func (r *Registry) ShouldTryToUseExistingProcessHost(ctx *BrowsingContext, site Site) bool {
	if r.opts.StrictSiteIsolation {
		return false
	}
	if r.opts.SingleProcess {
		return true
	}

	owned := false
	for _, h := range r.hosts {
		if h.context == ctx && !h.state.closing() && !h.deleting {
			owned = true
			break
		}
	}
	if !owned {
		return false
	}
	if len(r.hosts) >= r.MaxProcessCount() {
		return true
	}
	return r.deps.Embedder.ShouldTryToUseExistingProcessHost(ctx, site)
}

// GetExistingProcessHost picks uniformly among the suitable hosts, or returns
// nil when none is.
func (r *Registry) GetExistingProcessHost(ctx *BrowsingContext, site Site) *ProcessHost {
	var suitable []*ProcessHost
	for _, h := range r.Hosts() {
		if r.IsSuitableHost(h, ctx, site) {
			suitable = append(suitable, h)
		}
	}
	if len(suitable) == 0 {
		return nil
	}
	return suitable[r.deps.Rand.IntN(len(suitable))]
}

func (r *Registry) ShouldUseProcessPerSite(ctx *BrowsingContext, site Site) bool {
	if r.opts.SingleProcess {
		return false
	}
	return r.deps.Embedder.ShouldUseProcessPerSite(ctx, site)
}

// GetProcessHostForSite returns the host recorded for site in ctx. A recorded
// host that is no longer suitable is evicted and nil is returned.
func (r *Registry) GetProcessHostForSite(ctx *BrowsingContext, site Site) *ProcessHost {
	sites := r.sites[ctx]
	h, ok := sites[site]
	if !ok {
		return nil
	}
	if r.IsSuitableHost(h, ctx, site) {
		return h
	}

	r.logger.Debug("Evicting unsuitable site host",
		zap.String("site", site.String()),
		zap.Int32("host_id", h.id))
	delete(sites, site)
	r.metrics.RecordReuse(ReuseSiteEvict)
	return nil
}

// RegisterProcessHostForSite records h as the host for site. An empty site is
// ignored.
func (r *Registry) RegisterProcessHostForSite(ctx *BrowsingContext, site Site, h *ProcessHost) {
	if site == "" || h == nil {
		return
	}
	sites, ok := r.sites[ctx]
	if !ok {
		sites = make(map[Site]*ProcessHost)
		r.sites[ctx] = sites
	}
	sites[site] = h
}

// SitesFor returns the sites recorded for h, sorted.
func (r *Registry) SitesFor(h *ProcessHost) []Site {
	var out []Site
	for site, mapped := range r.sites[h.context] {
		if mapped == h {
			out = append(out, site)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProcessForSite returns an initialized host for content from rawURL in ctx,
// reusing one when policy allows.
func (r *Registry) ProcessForSite(ctx *BrowsingContext, rawURL string) (*ProcessHost, error) {
	site := SiteForURL(rawURL)
	perSite := r.ShouldUseProcessPerSite(ctx, site)

	if perSite {
		if h := r.GetProcessHostForSite(ctx, site); h != nil {
			r.metrics.RecordReuse(ReuseSiteHit)
			return h, nil
		}
	} else if r.ShouldTryToUseExistingProcessHost(ctx, site) {
		if h := r.GetExistingProcessHost(ctx, site); h != nil {
			r.metrics.RecordReuse(ReuseExisting)
			return h, nil
		}
	}

	h := r.NewHost(ctx, r.deps.Embedder.PartitionForSite(ctx, site), site.IsGuest())
	if r.deps.Embedder.RequiresPrivilegedBindings(ctx, site) {
		h.GrantPrivilegedBindings()
	}
	if err := h.Init(); err != nil {
		return nil, fmt.Errorf("process for %s: %w", site, err)
	}
	r.metrics.RecordReuse(ReuseNewProcess)

	if perSite {
		r.RegisterProcessHostForSite(ctx, site, h)
	}
	return h, nil
}

// ShutdownAll ends every child for process exit. Hosts that refuse a fast
// shutdown, for example because a page blocks sudden termination, have their
// child killed. Hosts without endpoints are then cleaned up.
func (r *Registry) ShutdownAll() {
	for _, h := range r.Hosts() {
		if !h.FastShutdownIfPossible() {
			h.Terminate(launcher.ResultCodeKilled)
		}
		h.Cleanup()
	}
}

func (r *Registry) notifyCreated(h *ProcessHost) {
	for _, o := range append([]Observer(nil), r.observers...) {
		o.ProcessCreated(h)
	}
}

func (r *Registry) notifyClosing(h *ProcessHost) {
	for _, o := range append([]Observer(nil), r.observers...) {
		o.ProcessClosing(h)
	}
}

func (r *Registry) notifyClosed(h *ProcessHost, details TerminationDetails) {
	for _, o := range append([]Observer(nil), r.observers...) {
		o.ProcessClosed(h, details)
	}
}

func (r *Registry) notifyTerminated(h *ProcessHost) {
	for _, o := range append([]Observer(nil), r.observers...) {
		o.ProcessTerminated(h)
	}
}
