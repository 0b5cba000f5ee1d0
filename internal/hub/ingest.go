package hub

import (
	"context"
	"errors"
	"log"

	"github.com/parley/chat-server/internal/metrics"
	"github.com/parley/chat-server/internal/protocol"
	"github.com/parley/chat-server/internal/ratelimit"
	"github.com/parley/chat-server/internal/store"
)

// NewMessage is the message ingest pipeline: validate, persist, fan out to
// the room snapshot, then notify online chat members who do not have the
// room open. A persistence failure aborts all fan-out; no partial broadcast
// occurs.
func (h *Hub) NewMessage(ctx context.Context, connID string, ev protocol.NewMessageEvent) Disposition {
	if ev.ChatID == "" || ev.SenderID == "" {
		return DroppedMalformed
	}
	if err := store.ValidateContent(ev.Content, ev.Attachments); err != nil {
		log.Printf("hub: rejecting message chat=%s sender=%s: %v", ev.ChatID, ev.SenderID, err)
		return DroppedMalformed
	}

	if h.limiter != nil {
		allowed, _ := h.limiter.Allow(ctx, ev.SenderID, ratelimit.RuleMessage)
		if !allowed {
			log.Printf("hub: rate limited sender=%s chat=%s", ev.SenderID, ev.ChatID)
			return DroppedRateLimited
		}
	}

	msg, err := h.store.CreateMessage(ctx, ev.SenderID, ev.ChatID, ev.Content, ev.Attachments)
	if err != nil {
		if isNotFound(err) {
			log.Printf("hub: message for unknown chat=%s dropped", ev.ChatID)
			return DroppedNotFound
		}
		log.Printf("hub: message persist failed chat=%s: %v", ev.ChatID, err)
		return PersistFailed
	}
	if err := h.store.SetChatLatestMessage(ctx, ev.ChatID, msg.ID); err != nil {
		log.Printf("hub: latest-message update failed chat=%s: %v", ev.ChatID, err)
		return PersistFailed
	}
	metrics.MessagesTotal.WithLabelValues("socket").Inc()

	frame, err := protocol.Encode(protocol.EventMessageReceived, msg)
	if err != nil {
		log.Printf("hub: encode messageReceived failed: %v", err)
		return Degraded
	}

	// Room snapshot at ingest time, sender's own connection included.
	h.broadcastRoom(ev.ChatID, frame, "")

	return h.notifyMembers(ctx, connID, msg)
}

// notifyMembers emits newMessageNotification to every chat member with a
// live connection other than the sender's, whether or not they subscribe to
// the room. Members local to another instance are reached through the bus.
func (h *Hub) notifyMembers(ctx context.Context, senderConnID string, msg *store.Message) Disposition {
	members, err := h.store.FindChatMembers(ctx, msg.ChatID)
	if err != nil {
		log.Printf("hub: member lookup failed chat=%s: %v", msg.ChatID, err)
		return Degraded
	}

	notif, err := protocol.Encode(protocol.EventNewMessageNotification, protocol.NewMessageNotificationEvent{
		ChatID:  msg.ChatID,
		Message: msg,
	})
	if err != nil {
		log.Printf("hub: encode newMessageNotification failed: %v", err)
		return Degraded
	}

	for _, userID := range members {
		if userID == msg.SenderID {
			continue
		}

		if connID, ok := h.registry.Lookup(userID); ok {
			if connID == senderConnID {
				continue
			}
			if err := h.transport.Send(connID, notif); err != nil {
				log.Printf("hub: notify user=%s failed: %v", userID, err)
			}
			continue
		}

		// Not connected here; another instance may hold the user.
		if h.bus != nil {
			if err := h.bus.PublishNotify(userID, notif); err != nil {
				log.Printf("hub: bus notify publish failed user=%s: %v", userID, err)
			}
		}
	}

	return Delivered
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
