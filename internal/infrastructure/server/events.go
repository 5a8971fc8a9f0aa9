package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/prochost/internal/host"
)

// Event types published on the lifecycle stream.
const (
	EventCreated    = "created"
	EventClosing    = "closing"
	EventClosed     = "closed"
	EventTerminated = "terminated"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
	pingPeriod   = 30 * time.Second
)

// Event is one host lifecycle notification.
type Event struct {
	Type     string    `json:"type"`
	HostID   int32     `json:"host_id"`
	Context  string    `json:"context,omitempty"`
	PeerPID  int32     `json:"peer_pid,omitempty"`
	Status   string    `json:"status,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Time     time.Time `json:"time"`
}

type client struct {
	send chan []byte
}

// EventHub fans host lifecycle notifications out to websocket clients. It
// is a host.Observer; publishing never blocks the control loop and a client
// that falls behind is disconnected.
type EventHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	onJoin   func()
	onLeave  func()

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewEventHub creates a hub. onJoin and onLeave may be nil.
func NewEventHub(logger *zap.Logger, onJoin, onLeave func()) *EventHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onJoin == nil {
		onJoin = func() {}
	}
	if onLeave == nil {
		onLeave = func() {}
	}
	return &EventHub{
		logger: logger.Named("events"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		onJoin:  onJoin,
		onLeave: onLeave,
		clients: make(map[*client]struct{}),
	}
}

func (e *EventHub) ProcessCreated(h *host.ProcessHost) {
	e.Publish(e.event(EventCreated, h))
}

func (e *EventHub) ProcessClosing(h *host.ProcessHost) {
	e.Publish(e.event(EventClosing, h))
}

func (e *EventHub) ProcessClosed(h *host.ProcessHost, details host.TerminationDetails) {
	ev := e.event(EventClosed, h)
	ev.Status = details.Status.String()
	code := details.ExitCode
	ev.ExitCode = &code
	e.Publish(ev)
}

func (e *EventHub) ProcessTerminated(h *host.ProcessHost) {
	e.Publish(e.event(EventTerminated, h))
}

func (e *EventHub) event(kind string, h *host.ProcessHost) Event {
	ev := Event{Type: kind, HostID: h.ID(), PeerPID: h.PeerPID(), Time: time.Now().UTC()}
	if ctx := h.Context(); ctx != nil {
		ev.Context = ctx.Name
	}
	return ev
}

// Publish sends ev to every connected client.
func (e *EventHub) Publish(ev Event) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		e.logger.Error("Failed to encode event", zap.Error(err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.clients {
		select {
		case c.send <- data:
		default:
			e.logger.Warn("Dropping slow event client")
			e.removeLocked(c)
		}
	}
}

// Clients reports the number of connected clients.
func (e *EventHub) Clients() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients)
}

func (e *EventHub) add() *client {
	c := &client{send: make(chan []byte, clientBuffer)}
	e.mu.Lock()
	e.clients[c] = struct{}{}
	e.mu.Unlock()
	e.onJoin()
	return c
}

func (e *EventHub) remove(c *client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(c)
}

func (e *EventHub) removeLocked(c *client) {
	if _, ok := e.clients[c]; !ok {
		return
	}
	delete(e.clients, c)
	close(c.send)
	e.onLeave()
}

// Close disconnects every client.
func (e *EventHub) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.clients {
		e.removeLocked(c)
	}
}

// HandleConnection upgrades the request and streams events until the peer
// goes away or the client is dropped.
func (e *EventHub) HandleConnection(c *gin.Context) {
	conn, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		e.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	cl := e.add()
	defer e.remove(cl)

	// Reads only detect the peer closing; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
