package presence

import (
	"context"
	"log"
	"time"

	"github.com/parley/chat-server/internal/protocol"
)

// persistTimeout bounds the best-effort writes so a slow store can never
// hold up the presence broadcast.
const persistTimeout = 3 * time.Second

// PresenceStore is the durable side of presence: the persistence
// collaborator's online flag and last-seen timestamp.
type PresenceStore interface {
	SetUserOnline(ctx context.Context, userID string, online bool) error
	SetUserLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Broadcaster delivers a frame to every connected client.
type Broadcaster interface {
	Broadcast(data []byte)
}

// Lifecycle drives the per-user presence state machine: Offline -> Online on
// registration, Online -> Offline when the live connection disconnects.
// Durable writes are best-effort; the live broadcast always proceeds, trading
// consistency of the stored flag for availability of the signal.
type Lifecycle struct {
	store    PresenceStore
	snapshot *Snapshot // optional Redis mirror, may be nil
	cast     Broadcaster
}

// NewLifecycle creates a Lifecycle controller. snapshot may be nil when no
// Redis mirror is configured.
func NewLifecycle(store PresenceStore, snapshot *Snapshot, cast Broadcaster) *Lifecycle {
	return &Lifecycle{store: store, snapshot: snapshot, cast: cast}
}

// MarkOnline persists online=true and broadcasts userOnline to everyone.
// The returned degraded flag is true when a durable write failed; the
// broadcast has still happened.
func (l *Lifecycle) MarkOnline(ctx context.Context, userID string) (degraded bool) {
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := l.store.SetUserOnline(pctx, userID, true); err != nil {
		log.Printf("presence: failed to persist online for user=%s: %v", userID, err)
		degraded = true
	}
	if l.snapshot != nil {
		if err := l.snapshot.SetOnline(pctx, userID); err != nil {
			log.Printf("presence: failed to update snapshot for user=%s: %v", userID, err)
			degraded = true
		}
	}

	frame, err := protocol.Encode(protocol.EventUserOnline, protocol.UserOnlineEvent{UserID: userID})
	if err != nil {
		log.Printf("presence: failed to encode userOnline for user=%s: %v", userID, err)
		return degraded
	}
	l.cast.Broadcast(frame)
	return degraded
}

// MarkOffline persists online=false plus lastSeen and broadcasts userOffline
// to everyone. Same best-effort contract as MarkOnline.
func (l *Lifecycle) MarkOffline(ctx context.Context, userID string, lastSeen time.Time) (degraded bool) {
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := l.store.SetUserOnline(pctx, userID, false); err != nil {
		log.Printf("presence: failed to persist offline for user=%s: %v", userID, err)
		degraded = true
	}
	if err := l.store.SetUserLastSeen(pctx, userID, lastSeen); err != nil {
		log.Printf("presence: failed to persist last_seen for user=%s: %v", userID, err)
		degraded = true
	}
	if l.snapshot != nil {
		if err := l.snapshot.SetOffline(pctx, userID, lastSeen); err != nil {
			log.Printf("presence: failed to update snapshot for user=%s: %v", userID, err)
			degraded = true
		}
	}

	frame, err := protocol.Encode(protocol.EventUserOffline, protocol.UserOfflineEvent{
		UserID:   userID,
		LastSeen: lastSeen.UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("presence: failed to encode userOffline for user=%s: %v", userID, err)
		return degraded
	}
	l.cast.Broadcast(frame)
	return degraded
}
