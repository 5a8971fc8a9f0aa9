package ipc

import (
	"fmt"
	"math"
)

// RoutingControl addresses the ProcessHost itself.
const RoutingControl int32 = math.MaxInt32

// Envelope is one framed message.
type Envelope struct {
	RoutingID  int32
	Type       uint32
	Sync       bool
	Reply      bool
	ReplyError bool
	Tag        uint32
	Payload    []byte
}

// NewMessage creates an async envelope.
func NewMessage(routingID int32, msgType uint32, payload []byte) *Envelope {
	return &Envelope{
		RoutingID: routingID,
		Type:      msgType,
		Payload:   payload,
	}
}

// NewSyncMessage creates a synchronous envelope that expects a reply tagged tag.
func NewSyncMessage(routingID int32, msgType uint32, tag uint32, payload []byte) *Envelope {
	return &Envelope{
		RoutingID: routingID,
		Type:      msgType,
		Sync:      true,
		Tag:       tag,
		Payload:   payload,
	}
}

// NewReply creates the reply envelope for a synchronous request.
func NewReply(req *Envelope) *Envelope {
	return &Envelope{
		RoutingID: req.RoutingID,
		Type:      req.Type,
		Reply:     true,
		Tag:       req.Tag,
	}
}

// NewErrorReply creates a reply flagged as an error. It is used when nobody
// is left to answer a synchronous request.
func NewErrorReply(req *Envelope) *Envelope {
	r := NewReply(req)
	r.ReplyError = true
	return r
}

// IsControl reports whether the envelope is control-plane traffic.
func (e *Envelope) IsControl() bool {
	return e.RoutingID == RoutingControl
}

// String formats the envelope header for logs.
func (e *Envelope) String() string {
	return fmt.Sprintf("envelope{route=%d type=%s sync=%t reply=%t tag=%d len=%d}",
		e.RoutingID, TypeName(e.Type), e.Sync, e.Reply, e.Tag, len(e.Payload))
}
