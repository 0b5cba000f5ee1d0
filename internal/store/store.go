// Package store is the persistence collaborator for the chat hub: messages,
// read receipts, chat metadata, and the durable side of user presence. The
// hub holds only transient copies of what this package owns.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced chat, message, or user does not
// exist.
var ErrNotFound = errors.New("store: not found")

// Message is a persisted chat message. Immutable once created, except for
// the monotonic growth of ReadBy.
type Message struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chatId"`
	SenderID    string    `json:"senderId"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments"`
	ReadBy      []string  `json:"readBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is the full persistence surface the hub and the REST fallback rely
// on. Implementations serialize writes to the same row; callers must not
// hold hub locks across these calls.
type Store interface {
	// CreateMessage persists a new message and returns it with its assigned
	// id and creation time. Returns ErrNotFound when the chat or sender does
	// not exist.
	CreateMessage(ctx context.Context, senderID, chatID, content string, attachments []string) (*Message, error)

	// SetChatLatestMessage updates the chat's latest-message pointer.
	SetChatLatestMessage(ctx context.Context, chatID, messageID string) error

	// AppendReadReceipt adds userID to the message's readBy set, if absent,
	// and returns the updated message. Idempotent; sender self-reads are not
	// recorded. Returns ErrNotFound for an unknown message.
	AppendReadReceipt(ctx context.Context, messageID, userID string) (*Message, error)

	// GetMessage returns a message with its readBy set loaded.
	GetMessage(ctx context.Context, messageID string) (*Message, error)

	// ListMessages returns a chat's messages ordered by creation time.
	ListMessages(ctx context.Context, chatID string) ([]Message, error)

	// FindChatMembers returns the user ids belonging to a chat (membership
	// in storage, not room subscription).
	FindChatMembers(ctx context.Context, chatID string) ([]string, error)

	// SetUserOnline flips the user's durable online flag.
	SetUserOnline(ctx context.Context, userID string, online bool) error

	// SetUserLastSeen records when the user was last reachable.
	SetUserLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}
