package host

import (
	"errors"
	"fmt"
	"sort"

	"github.com/GriffinCanCode/prochost/internal/ipc"
)

var (
	ErrRouteExists  = errors.New("route already registered")
	ErrInvalidRoute = errors.New("invalid routing id")
)

// Endpoint receives messages routed to one routing id. Endpoints are owned by
// their callers.
type Endpoint interface {
	OnMessageReceived(env *ipc.Envelope) bool
}

// View is implemented by endpoints that count as views for shutdown
// decisions.
type View interface {
	IsActiveView() bool
}

// EndpointTable maps routing ids to endpoints. Removed ids stay removed: a
// broadcast in progress skips entries removed under it.
type EndpointTable struct {
	entries map[int32]Endpoint
}

func NewEndpointTable() *EndpointTable {
	return &EndpointTable{entries: make(map[int32]Endpoint)}
}

// Add registers ep under routingID.
func (t *EndpointTable) Add(routingID int32, ep Endpoint) error {
	if routingID < 0 || routingID == ipc.RoutingControl || ep == nil {
		return fmt.Errorf("%w: %d", ErrInvalidRoute, routingID)
	}
	if _, exists := t.entries[routingID]; exists {
		return fmt.Errorf("%w: %d", ErrRouteExists, routingID)
	}
	t.entries[routingID] = ep
	return nil
}

// Remove drops routingID and reports whether it was present.
func (t *EndpointTable) Remove(routingID int32) bool {
	if _, ok := t.entries[routingID]; !ok {
		return false
	}
	delete(t.entries, routingID)
	return true
}

func (t *EndpointTable) Lookup(routingID int32) (Endpoint, bool) {
	ep, ok := t.entries[routingID]
	return ep, ok
}

func (t *EndpointTable) Len() int      { return len(t.entries) }
func (t *EndpointTable) IsEmpty() bool { return len(t.entries) == 0 }

// IDs returns the registered routing ids in ascending order.
func (t *EndpointTable) IDs() []int32 {
	ids := make([]int32, 0, len(t.entries))
	for routingID := range t.entries {
		ids = append(ids, routingID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Each calls fn for every entry in routing id order. Entries removed by fn
// before their turn are skipped.
func (t *EndpointTable) Each(fn func(routingID int32, ep Endpoint)) {
	for _, routingID := range t.IDs() {
		ep, ok := t.entries[routingID]
		if !ok {
			continue
		}
		fn(routingID, ep)
	}
}
