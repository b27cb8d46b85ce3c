package relay

import (
	"context"
	"fmt"

	"github.com/igefined/orderbook-relay/internal/registry"
)

// Sender writes one text frame to a connection. Implementations must be
// safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a transport event for one connection. Conn is only read on
// EventOpen; Payload only on EventMessage.
type Event struct {
	Kind    EventKind
	ConnID  registry.ConnectionID
	Conn    Sender
	Payload []byte
}
