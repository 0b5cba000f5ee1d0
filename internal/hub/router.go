package hub

import (
	"context"
	"log"

	"github.com/parley/chat-server/internal/bus"
	"github.com/parley/chat-server/internal/metrics"
	"github.com/parley/chat-server/internal/protocol"
	"github.com/parley/chat-server/internal/ws"
)

// Register wires the hub's handlers into the dispatcher, one per inbound
// event name, and installs the disconnect pipeline on the server.
func (h *Hub) Register(d *ws.Dispatcher, server *ws.Server) {
	d.Register(protocol.EventUserConnected, func(conn *ws.Conn, payload interface{}) {
		ev, ok := payload.(protocol.UserConnectedEvent)
		if !ok {
			return
		}
		record(protocol.EventUserConnected, h.UserConnected(context.Background(), conn.ID, ev))
	})

	d.Register(protocol.EventJoinChat, func(conn *ws.Conn, payload interface{}) {
		ev, ok := payload.(protocol.JoinChatEvent)
		if !ok {
			return
		}
		record(protocol.EventJoinChat, h.JoinChat(conn.ID, ev))
	})

	d.Register(protocol.EventLeaveChat, func(conn *ws.Conn, payload interface{}) {
		ev, ok := payload.(protocol.LeaveChatEvent)
		if !ok {
			return
		}
		record(protocol.EventLeaveChat, h.LeaveChat(conn.ID, ev))
	})

	d.Register(protocol.EventTyping, func(conn *ws.Conn, payload interface{}) {
		ev, ok := payload.(protocol.TypingEvent)
		if !ok {
			return
		}
		record(protocol.EventTyping, h.Typing(conn.ID, ev))
	})

	d.Register(protocol.EventStopTyping, func(conn *ws.Conn, payload interface{}) {
		ev, ok := payload.(protocol.TypingEvent)
		if !ok {
			return
		}
		record(protocol.EventStopTyping, h.StopTyping(conn.ID, ev))
	})

	d.Register(protocol.EventNewMessage, func(conn *ws.Conn, payload interface{}) {
		ev, ok := payload.(protocol.NewMessageEvent)
		if !ok {
			return
		}
		record(protocol.EventNewMessage, h.NewMessage(context.Background(), conn.ID, ev))
	})

	d.Register(protocol.EventMessageRead, func(conn *ws.Conn, payload interface{}) {
		ev, ok := payload.(protocol.MessageReadEvent)
		if !ok {
			return
		}
		record(protocol.EventMessageRead, h.MessageRead(context.Background(), conn.ID, ev))
	})

	server.SetOnClose(func(connID string) {
		h.Disconnect(context.Background(), connID)
	})
}

// record counts the outcome of a routed event.
func record(event string, disp Disposition) {
	metrics.EventsTotal.WithLabelValues(event, disp.String()).Inc()
}

// AttachBus connects the hub to a cross-instance event bridge. Remote frames
// are applied to local connections only; frames this instance publishes come
// back tagged with its own origin and are discarded by the bus layer.
func (h *Hub) AttachBus(b *bus.Bus) error {
	h.bus = b

	if err := b.SubscribePresence(func(frame []byte) {
		h.transport.Broadcast(frame)
	}); err != nil {
		return err
	}

	if err := b.SubscribeRooms(func(chatID string, frame []byte) {
		h.deliverRoomLocal(chatID, frame)
	}); err != nil {
		return err
	}

	if err := b.SubscribeNotify(func(userID string, frame []byte) {
		if connID, ok := h.registry.Lookup(userID); ok {
			if err := h.transport.Send(connID, frame); err != nil {
				log.Printf("hub: remote notify user=%s failed: %v", userID, err)
			}
		}
	}); err != nil {
		return err
	}

	log.Printf("hub: bus attached origin=%s", b.Origin())
	return nil
}
