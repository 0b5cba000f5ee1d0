// Package protocol defines the wire-level events exchanged between chat
// clients and the hub. Every frame is a JSON object carrying an "event"
// discriminator; the remaining fields are the event payload. The event name
// strings are part of the client compatibility contract and must not change.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server event names.
const (
	EventUserConnected = "user_connected"
	EventJoinChat      = "joinChat"
	EventLeaveChat     = "leaveChat"
	EventTyping        = "typing"
	EventStopTyping    = "stopTyping"
	EventNewMessage    = "newMessage"
	EventMessageRead   = "messageRead"
)

// Server -> Client event names.
const (
	EventMessageReceived        = "messageReceived"
	EventNewMessageNotification = "newMessageNotification"
	EventUserOnline             = "userOnline"
	EventUserOffline            = "userOffline"
	// typing, stopTyping and messageRead are echoed outbound under the same
	// names as their inbound counterparts.
)

// Envelope captures the event discriminator and the raw frame bytes so the
// payload can be decoded into a concrete struct once the event is known.
type Envelope struct {
	Event string          `json:"event"`
	Raw   json.RawMessage `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler. It keeps the full raw bytes for
// deferred decoding and extracts only the "event" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Event == "" {
		return fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	e.Event = partial.Event
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// UserConnectedEvent binds the authenticated user identity to the current
// connection. It is the first event a client sends after the upgrade.
type UserConnectedEvent struct {
	Event    string `json:"event"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// JoinChatEvent subscribes the connection to a chat room's live events.
type JoinChatEvent struct {
	Event  string `json:"event"`
	ChatID string `json:"chatId"`
}

// LeaveChatEvent unsubscribes the connection from a chat room.
type LeaveChatEvent struct {
	Event  string `json:"event"`
	ChatID string `json:"chatId"`
}

// TypingEvent signals that a user started (or is still) typing in a chat.
// The same struct carries the stopTyping event.
type TypingEvent struct {
	Event  string `json:"event"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// NewMessageEvent carries a message sent through the socket path.
type NewMessageEvent struct {
	Event       string   `json:"event"`
	ChatID      string   `json:"chatId"`
	SenderID    string   `json:"senderId"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

// MessageReadEvent marks a message as read by a user.
type MessageReadEvent struct {
	Event     string `json:"event"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// NewMessageNotificationEvent is delivered directly to chat members who are
// online but do not have the chat's room open.
type NewMessageNotificationEvent struct {
	Event   string      `json:"event"`
	ChatID  string      `json:"chatId"`
	Message interface{} `json:"message"`
}

// UserOnlineEvent announces a presence transition to online.
type UserOnlineEvent struct {
	Event  string `json:"event"`
	UserID string `json:"userId"`
}

// UserOfflineEvent announces a presence transition to offline, with the
// moment the user was last reachable.
type UserOfflineEvent struct {
	Event    string `json:"event"`
	UserID   string `json:"userId"`
	LastSeen string `json:"lastSeen"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientEvent decodes raw frame bytes into a typed client event. It
// returns the event name, the decoded payload struct, and an error for
// unknown or malformed frames.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		payload interface{}
		err     error
	)

	switch env.Event {
	case EventUserConnected:
		var ev UserConnectedEvent
		err = json.Unmarshal(env.Raw, &ev)
		payload = ev
	case EventJoinChat:
		var ev JoinChatEvent
		err = json.Unmarshal(env.Raw, &ev)
		payload = ev
	case EventLeaveChat:
		var ev LeaveChatEvent
		err = json.Unmarshal(env.Raw, &ev)
		payload = ev
	case EventTyping, EventStopTyping:
		var ev TypingEvent
		err = json.Unmarshal(env.Raw, &ev)
		payload = ev
	case EventNewMessage:
		var ev NewMessageEvent
		err = json.Unmarshal(env.Raw, &ev)
		payload = ev
	case EventMessageRead:
		var ev MessageReadEvent
		err = json.Unmarshal(env.Raw, &ev)
		payload = ev
	default:
		return env.Event, nil, fmt.Errorf("protocol: unknown client event: %q", env.Event)
	}

	if err != nil {
		return env.Event, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Event, err)
	}
	return env.Event, payload, nil
}

// Encode builds the JSON bytes for an outbound event. The event name is
// injected into the payload under the "event" key, overriding whatever the
// struct's own Event field held.
func Encode(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to remarshal payload: %w", err)
	}

	m["event"] = event

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal event: %w", err)
	}
	return out, nil
}
