package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres implements Store on top of database/sql with the lib/pq driver.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres, verifies the connection, and returns a store.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}

	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB exposes the underlying handle (for migrations and shutdown).
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// foreign key violation
const pqFKViolation = "23503"

// CreateMessage inserts a message row. A foreign-key violation on the chat
// or sender maps to ErrNotFound.
func (p *Postgres) CreateMessage(ctx context.Context, senderID, chatID, content string, attachments []string) (*Message, error) {
	msg := &Message{
		ID:          uuid.New().String(),
		ChatID:      chatID,
		SenderID:    senderID,
		Content:     content,
		Attachments: attachments,
		ReadBy:      []string{},
	}
	if msg.Attachments == nil {
		msg.Attachments = []string{}
	}

	err := p.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, attachments)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		msg.ID, chatID, senderID, content, pq.Array(msg.Attachments),
	).Scan(&msg.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqFKViolation {
			return nil, fmt.Errorf("store: create message: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("store: create message: %w", err)
	}
	return msg, nil
}

// SetChatLatestMessage points the chat at its newest message.
func (p *Postgres) SetChatLatestMessage(ctx context.Context, chatID, messageID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE chats SET latest_message_id = $2, updated_at = now() WHERE id = $1`,
		chatID, messageID)
	if err != nil {
		return fmt.Errorf("store: set latest message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: set latest message: %w", ErrNotFound)
	}
	return nil
}

// AppendReadReceipt records that userID read the message. The insert is
// idempotent (ON CONFLICT DO NOTHING) so readBy can only grow, and a
// sender's read of its own message is never recorded.
func (p *Postgres) AppendReadReceipt(ctx context.Context, messageID, userID string) (*Message, error) {
	msg, err := p.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if msg.SenderID == userID {
		return msg, nil
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO message_reads (message_id, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, userID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqFKViolation {
			return nil, fmt.Errorf("store: append read receipt: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("store: append read receipt: %w", err)
	}

	if !msg.HasRead(userID) {
		msg.ReadBy = append(msg.ReadBy, userID)
	}
	return msg, nil
}

const messageSelect = `
	SELECT m.id, m.chat_id, m.sender_id, m.content, m.attachments, m.created_at,
	       COALESCE(array_agg(r.user_id ORDER BY r.read_at)
	                FILTER (WHERE r.user_id IS NOT NULL), '{}')
	FROM messages m
	LEFT JOIN message_reads r ON r.message_id = m.id`

// GetMessage loads one message with its readBy set.
func (p *Postgres) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	row := p.db.QueryRowContext(ctx, messageSelect+`
		WHERE m.id = $1
		GROUP BY m.id`, messageID)

	var msg Message
	err := row.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content,
		pq.Array(&msg.Attachments), &msg.CreatedAt, pq.Array(&msg.ReadBy))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: get message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message %s: %w", messageID, err)
	}
	return &msg, nil
}

// ListMessages returns a chat's messages in creation order.
func (p *Postgres) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := p.db.QueryContext(ctx, messageSelect+`
		WHERE m.chat_id = $1
		GROUP BY m.id
		ORDER BY m.created_at, m.id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content,
			pq.Array(&msg.Attachments), &msg.CreatedAt, pq.Array(&msg.ReadBy)); err != nil {
			return nil, fmt.Errorf("store: list messages: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return out, nil
}

// FindChatMembers returns the user ids that belong to the chat.
func (p *Postgres) FindChatMembers(ctx context.Context, chatID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: find chat members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: find chat members: %w", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: find chat members: %w", err)
	}
	return members, nil
}

// SetUserOnline flips the durable online flag.
func (p *Postgres) SetUserOnline(ctx context.Context, userID string, online bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET online = $2 WHERE id = $1`, userID, online)
	if err != nil {
		return fmt.Errorf("store: set user online: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: set user online: %w", ErrNotFound)
	}
	return nil
}

// SetUserLastSeen records the user's last-seen timestamp.
func (p *Postgres) SetUserLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET last_seen = $2 WHERE id = $1`, userID, lastSeen)
	if err != nil {
		return fmt.Errorf("store: set user last seen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: set user last seen: %w", ErrNotFound)
	}
	return nil
}
