package ws

import (
	"log"

	"github.com/parley/chat-server/internal/metrics"
	"github.com/parley/chat-server/internal/protocol"
)

// EventHandler handles one parsed client event. The payload is the concrete
// struct returned by protocol.ParseClientEvent for the event's name.
type EventHandler func(conn *Conn, payload interface{})

// Dispatcher routes inbound frames to the handler registered for their event
// name. Malformed frames and unknown events are dropped; the drop is logged
// and counted rather than surfaced to the client, matching the socket path's
// best-effort contract.
type Dispatcher struct {
	handlers map[string]EventHandler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]EventHandler)}
}

// Register associates a handler with an event name, replacing any previous
// registration.
func (d *Dispatcher) Register(event string, handler EventHandler) {
	d.handlers[event] = handler
}

// Dispatch is the transport's onFrame callback. It parses the raw bytes into
// a typed event and routes it.
func (d *Dispatcher) Dispatch(conn *Conn, data []byte) {
	event, payload, err := d.parse(data)
	if err != nil {
		return
	}

	handler, ok := d.handlers[event]
	if !ok {
		log.Printf("ws: no handler for event=%q conn=%s", event, conn.ID)
		metrics.EventsTotal.WithLabelValues(event, "dropped_malformed").Inc()
		return
	}

	handler(conn, payload)
}

func (d *Dispatcher) parse(data []byte) (string, interface{}, error) {
	event, payload, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("ws: dropping unparseable frame: %v", err)
		name := event
		if name == "" {
			name = "unknown"
		}
		metrics.EventsTotal.WithLabelValues(name, "dropped_malformed").Inc()
		return "", nil, err
	}
	return event, payload, nil
}
