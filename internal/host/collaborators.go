package host

import (
	"github.com/GriffinCanCode/prochost/internal/launcher"
)

// Embedder supplies content policy. DefaultEmbedder is used when none is
// given.
type Embedder interface {
	// IsSuitableHost is a final veto on reusing h for site.
	IsSuitableHost(h *ProcessHost, site Site) bool
	ShouldUseProcessPerSite(ctx *BrowsingContext, site Site) bool
	// ShouldTryToUseExistingProcessHost opts into reuse below the process cap.
	ShouldTryToUseExistingProcessHost(ctx *BrowsingContext, site Site) bool
	PartitionForSite(ctx *BrowsingContext, site Site) PartitionID
	RequiresPrivilegedBindings(ctx *BrowsingContext, site Site) bool
	IsFastShutdownPossible() bool
	AppendExtraCommandLineSwitches(cmd *launcher.CommandLine, hostID int32)
}

// TerminationDetails accompanies ProcessClosed.
type TerminationDetails struct {
	Status   launcher.TerminationStatus
	ExitCode int
}

// Observer hears about host lifecycle changes.
type Observer interface {
	ProcessCreated(h *ProcessHost)
	ProcessClosing(h *ProcessHost)
	ProcessClosed(h *ProcessHost, details TerminationDetails)
	ProcessTerminated(h *ProcessHost)
}

// BufferPresenter acknowledges buffer swaps so the shared presentation
// pipeline does not stall when the endpoint is gone.
type BufferPresenter interface {
	AcknowledgeBufferPresent(routeID, gpuHostID int32, surface uint64)
}

// PageSaveObserver receives page save completions.
type PageSaveObserver interface {
	OnSavedPage(hostID int32, jobID int32, dataSize int64)
}

// ActionRecorder records user actions reported by children.
type ActionRecorder interface {
	RecordAction(action string)
}

// LaunchGuard throttles launches that keep failing.
type LaunchGuard interface {
	Allow(key string) error
	Success(key string)
	Failure(key string)
}

// Metrics is the instrumentation surface of the package.
type Metrics interface {
	RecordStateChange(state string)
	RecordProcessGone(status string)
	RecordBadMessage(msgType string)
	RecordReuse(decision string)
	RecordBufferCache(event string)
	SetLiveHosts(n int)
}

// Reuse decisions passed to Metrics.RecordReuse.
const (
	ReuseSiteHit    = "site_hit"
	ReuseSiteEvict  = "site_evict"
	ReuseExisting   = "existing"
	ReuseNewProcess = "new_process"
)

type nopMetrics struct{}

func (nopMetrics) RecordStateChange(string) {}
func (nopMetrics) RecordProcessGone(string) {}
func (nopMetrics) RecordBadMessage(string)  {}
func (nopMetrics) RecordReuse(string)       {}
func (nopMetrics) RecordBufferCache(string) {}
func (nopMetrics) SetLiveHosts(int)         {}

type allowAllGuard struct{}

func (allowAllGuard) Allow(string) error { return nil }
func (allowAllGuard) Success(string)     {}
func (allowAllGuard) Failure(string)     {}

// DefaultEmbedder is the built-in policy.
type DefaultEmbedder struct {
	// ProcessPerSite consolidates every site, not only privileged ones.
	ProcessPerSite      bool
	DisableFastShutdown bool
}

func (DefaultEmbedder) IsSuitableHost(*ProcessHost, Site) bool { return true }

func (e DefaultEmbedder) ShouldUseProcessPerSite(_ *BrowsingContext, site Site) bool {
	if site == "" || site.Scheme() == SchemeDevTools {
		return false
	}
	return e.ProcessPerSite || site.RequiresPrivilegedBindings()
}

func (DefaultEmbedder) ShouldTryToUseExistingProcessHost(*BrowsingContext, Site) bool {
	return false
}

func (DefaultEmbedder) PartitionForSite(_ *BrowsingContext, site Site) PartitionID {
	if site.IsGuest() {
		return PartitionID("guest:" + site.Host())
	}
	return DefaultPartition
}

func (DefaultEmbedder) RequiresPrivilegedBindings(_ *BrowsingContext, site Site) bool {
	return site.RequiresPrivilegedBindings()
}

func (e DefaultEmbedder) IsFastShutdownPossible() bool { return !e.DisableFastShutdown }

func (DefaultEmbedder) AppendExtraCommandLineSwitches(*launcher.CommandLine, int32) {}
