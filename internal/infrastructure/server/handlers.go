package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/prochost/internal/control"
	"github.com/GriffinCanCode/prochost/internal/host"
	"github.com/GriffinCanCode/prochost/internal/launcher"
)

// HostSummary is the JSON view of one process host.
type HostSummary struct {
	ID                  int32    `json:"id"`
	State               string   `json:"state"`
	Context             string   `json:"context,omitempty"`
	Partition           string   `json:"partition,omitempty"`
	Guest               bool     `json:"guest"`
	Privileged          bool     `json:"privileged"`
	PeerPID             int32    `json:"peer_pid,omitempty"`
	Routes              []int32  `json:"routes"`
	PendingMessages     int      `json:"pending_messages"`
	VisibleWidgets      int      `json:"visible_widgets"`
	Backgrounded        bool     `json:"backgrounded"`
	PendingViews        int      `json:"pending_views"`
	ActiveViews         int      `json:"active_views"`
	CachedBuffers       int      `json:"cached_buffers"`
	FastShutdownStarted bool     `json:"fast_shutdown_started"`
	IdleMillis          int64    `json:"idle_ms"`
	Sites               []string `json:"sites,omitempty"`
}

func (s *Server) summarize(h *host.ProcessHost) HostSummary {
	sum := HostSummary{
		ID:                  h.ID(),
		State:               h.State().String(),
		Partition:           string(h.Partition()),
		Guest:               h.IsGuest(),
		Privileged:          h.HasPrivilegedBindings(),
		PeerPID:             h.PeerPID(),
		Routes:              h.Routes().IDs(),
		PendingMessages:     h.PendingMessageCount(),
		VisibleWidgets:      h.VisibleWidgetCount(),
		Backgrounded:        h.Backgrounded(),
		PendingViews:        h.PendingViewCount(),
		ActiveViews:         h.ActiveViewCount(),
		CachedBuffers:       h.Buffers().Len(),
		FastShutdownStarted: h.FastShutdownStarted(),
		IdleMillis:          h.ChildProcessIdleTime().Milliseconds(),
	}
	if ctx := h.Context(); ctx != nil {
		sum.Context = ctx.Name
	}
	for _, site := range s.deps.Registry.SitesFor(h) {
		sum.Sites = append(sum.Sites, site.String())
	}
	return sum
}

func (s *Server) loopError(c *gin.Context, err error) {
	status := http.StatusGatewayTimeout
	if errors.Is(err, control.ErrLoopStopped) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	var hosts int
	if err := s.onLoop(c, func() { hosts = s.deps.Registry.Len() }); err != nil {
		s.loopError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"hosts":  hosts,
		"time":   time.Now().UTC(),
	})
}

func (s *Server) listHosts(c *gin.Context) {
	var hosts []HostSummary
	err := s.onLoop(c, func() {
		for _, h := range s.deps.Registry.Hosts() {
			hosts = append(hosts, s.summarize(h))
		}
	})
	if err != nil {
		s.loopError(c, err)
		return
	}
	if hosts == nil {
		hosts = []HostSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"hosts": hosts})
}

func hostID(c *gin.Context) (int32, bool) {
	v, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid host id"})
		return 0, false
	}
	return int32(v), true
}

// withHost runs fn on the loop against a registered host, answering 404
// when there is none.
func (s *Server) withHost(c *gin.Context, fn func(h *host.ProcessHost) any) {
	id, ok := hostID(c)
	if !ok {
		return
	}
	var (
		found bool
		body  any
	)
	err := s.onLoop(c, func() {
		h := s.deps.Registry.FromID(id)
		if h == nil {
			return
		}
		found = true
		body = fn(h)
	})
	if err != nil {
		s.loopError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "host not found"})
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getHost(c *gin.Context) {
	s.withHost(c, func(h *host.ProcessHost) any { return s.summarize(h) })
}

func (s *Server) fastShutdown(c *gin.Context) {
	s.withHost(c, func(h *host.ProcessHost) any {
		started := h.FastShutdownIfPossible()
		s.logger.Info("Fast shutdown requested",
			zap.Int32("host_id", h.ID()),
			zap.Bool("started", started))
		return gin.H{"started": started, "state": h.State().String()}
	})
}

func (s *Server) cleanup(c *gin.Context) {
	s.withHost(c, func(h *host.ProcessHost) any {
		h.Cleanup()
		return gin.H{"deleting": h.IsDeleting()}
	})
}

// terminate kills an unresponsive child. The host stays registered and
// reports the death to its endpoints once the exit is observed.
func (s *Server) terminate(c *gin.Context) {
	s.withHost(c, func(h *host.ProcessHost) any {
		killed := h.Terminate(launcher.ResultCodeHung)
		s.logger.Info("Terminate requested",
			zap.Int32("host_id", h.ID()),
			zap.Bool("terminated", killed))
		return gin.H{"terminated": killed, "state": h.State().String()}
	})
}

type placeRequest struct {
	URL string `json:"url" binding:"required"`
}

func (s *Server) placeSite(c *gin.Context) {
	var req placeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := c.Param("name")

	var (
		sum      HostSummary
		placeErr error
	)
	err := s.onLoop(c, func() {
		bc, ok := s.contexts[name]
		if !ok {
			bc = host.NewBrowsingContext(name)
			s.contexts[name] = bc
		}
		h, err := s.deps.Registry.ProcessForSite(bc, req.URL)
		if err != nil {
			placeErr = err
			return
		}
		sum = s.summarize(h)
	})
	if err != nil {
		s.loopError(c, err)
		return
	}
	if placeErr != nil {
		s.logger.Warn("Site placement failed", zap.String("url", req.URL), zap.Error(placeErr))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": placeErr.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"site": host.SiteForURL(req.URL).String(), "host": sum})
}

func (s *Server) processLimit(c *gin.Context) {
	var limit, live int
	err := s.onLoop(c, func() {
		limit = s.deps.Registry.MaxProcessCount()
		live = s.deps.Registry.Len()
	})
	if err != nil {
		s.loopError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"max": limit, "live": live})
}

type limitRequest struct {
	Max int `json:"max" binding:"required,min=1"`
}

func (s *Server) setProcessLimit(c *gin.Context) {
	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var limit int
	err := s.onLoop(c, func() {
		s.deps.Registry.SetMaxProcessCount(req.Max)
		limit = s.deps.Registry.MaxProcessCount()
	})
	if err != nil {
		s.loopError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"max": limit})
}

func (s *Server) launchGuard(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"suppressed": s.deps.Guard.States()})
}

func (s *Server) metricsJSON(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Metrics.Snapshot())
}
