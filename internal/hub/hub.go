// Package hub is the presence and message-fan-out core: it routes inbound
// client events to the connection registry, room directory, presence
// lifecycle, and message ingest pipeline, and targets outbound events at the
// right connections. The transport and the persistence collaborator are
// injected; the hub never owns a socket or a row.
package hub

import (
	"context"
	"log"
	"time"

	"github.com/parley/chat-server/internal/bus"
	"github.com/parley/chat-server/internal/metrics"
	"github.com/parley/chat-server/internal/presence"
	"github.com/parley/chat-server/internal/protocol"
	"github.com/parley/chat-server/internal/ratelimit"
	"github.com/parley/chat-server/internal/room"
	"github.com/parley/chat-server/internal/store"
)

// Transport is the boundary to the socket layer: targeted sends and global
// broadcasts by connection id.
type Transport interface {
	Send(connID string, data []byte) error
	Broadcast(data []byte)
}

// Options configures optional hub collaborators.
type Options struct {
	Snapshot     *presence.Snapshot // Redis presence mirror, may be nil
	Limiter      *ratelimit.Limiter // message rate limiter, may be nil
	TypingWindow time.Duration      // defaults to TypingWindow
}

// Hub wires the registry, room directory, lifecycle controller, typing
// tracker, and ingest pipeline together behind the event handlers.
type Hub struct {
	registry  *presence.Registry
	rooms     *room.Directory
	lifecycle *presence.Lifecycle
	typing    *TypingTracker
	store     store.Store
	transport Transport
	limiter   *ratelimit.Limiter
	bus       *bus.Bus // optional cross-instance bridge
}

// New creates a Hub bound to a store and transport.
func New(st store.Store, transport Transport, opts Options) *Hub {
	h := &Hub{
		registry:  presence.NewRegistry(),
		rooms:     room.NewDirectory(),
		store:     st,
		transport: transport,
		limiter:   opts.Limiter,
	}

	h.lifecycle = presence.NewLifecycle(st, opts.Snapshot, &presenceCast{hub: h})

	window := opts.TypingWindow
	if window <= 0 {
		window = TypingWindow
	}
	h.typing = NewTypingTracker(window, h.expireTyping)

	return h
}

// Registry exposes the connection registry (tests, diagnostics).
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// Rooms exposes the room directory (tests, diagnostics).
func (h *Hub) Rooms() *room.Directory {
	return h.rooms
}

// presenceCast fans presence frames out to every local connection and, when
// a bus is attached, mirrors them to the other instances.
type presenceCast struct {
	hub *Hub
}

func (c *presenceCast) Broadcast(data []byte) {
	c.hub.transport.Broadcast(data)
	if b := c.hub.bus; b != nil {
		if err := b.PublishPresence(data); err != nil {
			log.Printf("hub: bus presence publish failed: %v", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Inbound event handlers. Each returns the typed outcome; the dispatcher
// glue in Register records it. None of them hold a registry or room lock
// across a store call.
// ---------------------------------------------------------------------------

// UserConnected binds the user to the connection and drives Offline->Online.
func (h *Hub) UserConnected(ctx context.Context, connID string, ev protocol.UserConnectedEvent) Disposition {
	if ev.UserID == "" {
		return DroppedMalformed
	}

	h.registry.Register(ev.UserID, connID)
	metrics.OnlineUsers.Set(float64(h.registry.Count()))

	if h.lifecycle.MarkOnline(ctx, ev.UserID) {
		return Degraded
	}
	return Delivered
}

// JoinChat subscribes the connection to the chat's room.
func (h *Hub) JoinChat(connID string, ev protocol.JoinChatEvent) Disposition {
	if ev.ChatID == "" {
		return DroppedMalformed
	}
	h.rooms.Join(ev.ChatID, connID)
	metrics.ActiveRooms.Set(float64(h.rooms.RoomCount()))
	return Delivered
}

// LeaveChat unsubscribes the connection from the chat's room.
func (h *Hub) LeaveChat(connID string, ev protocol.LeaveChatEvent) Disposition {
	if ev.ChatID == "" {
		return DroppedMalformed
	}
	h.rooms.Leave(ev.ChatID, connID)
	metrics.ActiveRooms.Set(float64(h.rooms.RoomCount()))
	return Delivered
}

// Typing broadcasts the indicator to the room (except the typist) and arms
// the server-side expiry timer.
func (h *Hub) Typing(connID string, ev protocol.TypingEvent) Disposition {
	if ev.ChatID == "" || ev.UserID == "" {
		return DroppedMalformed
	}

	h.typing.Touch(ev.ChatID, ev.UserID)

	frame, err := protocol.Encode(protocol.EventTyping, protocol.TypingEvent{
		ChatID: ev.ChatID,
		UserID: ev.UserID,
	})
	if err != nil {
		log.Printf("hub: encode typing failed: %v", err)
		return DroppedMalformed
	}
	h.broadcastRoom(ev.ChatID, frame, connID)
	return Delivered
}

// StopTyping cancels the expiry timer and broadcasts the stop to the room
// (except the typist).
func (h *Hub) StopTyping(connID string, ev protocol.TypingEvent) Disposition {
	if ev.ChatID == "" || ev.UserID == "" {
		return DroppedMalformed
	}

	h.typing.Stop(ev.ChatID, ev.UserID)

	frame, err := protocol.Encode(protocol.EventStopTyping, protocol.TypingEvent{
		ChatID: ev.ChatID,
		UserID: ev.UserID,
	})
	if err != nil {
		log.Printf("hub: encode stopTyping failed: %v", err)
		return DroppedMalformed
	}
	h.broadcastRoom(ev.ChatID, frame, connID)
	return Delivered
}

// MessageRead appends the read receipt and broadcasts messageRead to the
// message's room. Re-marking is a no-op in storage but still broadcasts;
// receiving clients reconcile against their own readBy copy.
func (h *Hub) MessageRead(ctx context.Context, connID string, ev protocol.MessageReadEvent) Disposition {
	if ev.MessageID == "" || ev.UserID == "" {
		return DroppedMalformed
	}

	msg, err := h.store.AppendReadReceipt(ctx, ev.MessageID, ev.UserID)
	if err != nil {
		if isNotFound(err) {
			log.Printf("hub: messageRead for unknown message=%s", ev.MessageID)
			return DroppedNotFound
		}
		log.Printf("hub: messageRead persist failed message=%s: %v", ev.MessageID, err)
		return PersistFailed
	}

	frame, err := protocol.Encode(protocol.EventMessageRead, protocol.MessageReadEvent{
		MessageID: ev.MessageID,
		UserID:    ev.UserID,
	})
	if err != nil {
		log.Printf("hub: encode messageRead failed: %v", err)
		return Degraded
	}
	h.broadcastRoom(msg.ChatID, frame, "")
	return Delivered
}

// Disconnect runs the transport-level close pipeline: unbind the connection,
// drop its room subscriptions, clear its user's typing timers, and flip the
// user offline only when this was still the live connection.
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	userID, live, found := h.registry.Unregister(connID)
	h.rooms.LeaveAll(connID)
	metrics.OnlineUsers.Set(float64(h.registry.Count()))
	metrics.ActiveRooms.Set(float64(h.rooms.RoomCount()))

	if !found || !live {
		// Unknown connection, or one already superseded by a reconnect; the
		// user's live state belongs to the newer connection.
		return
	}

	// The socket is gone; any typing indicator it held is implicitly over.
	for _, chatID := range h.typing.StopUser(userID) {
		frame, err := protocol.Encode(protocol.EventStopTyping, protocol.TypingEvent{
			ChatID: chatID,
			UserID: userID,
		})
		if err != nil {
			continue
		}
		h.broadcastRoom(chatID, frame, "")
	}

	h.lifecycle.MarkOffline(ctx, userID, time.Now())
}

// expireTyping is the tracker's expiry callback: the debounce window passed
// with no refresh and no explicit stop.
func (h *Hub) expireTyping(chatID, userID string) {
	frame, err := protocol.Encode(protocol.EventStopTyping, protocol.TypingEvent{
		ChatID: chatID,
		UserID: userID,
	})
	if err != nil {
		log.Printf("hub: encode implicit stopTyping failed: %v", err)
		return
	}

	except := ""
	if connID, ok := h.registry.Lookup(userID); ok {
		except = connID
	}
	h.broadcastRoom(chatID, frame, except)
}

// broadcastRoom fans a frame out to the room's current members, serialized
// per room, and mirrors it to the bus when one is attached.
func (h *Hub) broadcastRoom(chatID string, frame []byte, except string) {
	n := h.rooms.Fanout(chatID, except, func(connID string) {
		if err := h.transport.Send(connID, frame); err != nil {
			log.Printf("hub: send to conn=%s failed: %v", connID, err)
		}
	})
	metrics.FanoutRecipients.Observe(float64(n))

	if h.bus != nil {
		if err := h.bus.PublishRoom(chatID, frame); err != nil {
			log.Printf("hub: bus room publish failed chat=%s: %v", chatID, err)
		}
	}
}

// deliverRoomLocal applies a remote room frame to local members only; it
// must never republish to the bus.
func (h *Hub) deliverRoomLocal(chatID string, frame []byte) {
	h.rooms.Fanout(chatID, "", func(connID string) {
		_ = h.transport.Send(connID, frame)
	})
}
