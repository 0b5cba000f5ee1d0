package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// snapshotPrefix is the Redis key prefix for per-user presence hashes.
	snapshotPrefix = "presence:"

	// snapshotTTL expires snapshot entries that are never touched again, so
	// a crashed hub does not leave users online in Redis forever.
	snapshotTTL = 24 * time.Hour
)

// UserPresence is one user's entry in the Redis presence snapshot.
type UserPresence struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitzero"`
}

// Snapshot mirrors the hub's presence state into Redis so processes without
// access to the in-memory registry (the REST API server) can answer
// "who is online" without round-tripping through the hub.
type Snapshot struct {
	client *redis.Client
}

// NewSnapshot creates a Snapshot backed by the given Redis client.
func NewSnapshot(client *redis.Client) *Snapshot {
	return &Snapshot{client: client}
}

// SetOnline records userID as online.
func (s *Snapshot) SetOnline(ctx context.Context, userID string) error {
	key := snapshotPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", "1")
	pipe.Expire(ctx, key, snapshotTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline records userID as offline with its last-seen timestamp.
func (s *Snapshot) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	key := snapshotPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", "0", "last_seen", strconv.FormatInt(lastSeen.UTC().Unix(), 10))
	pipe.Expire(ctx, key, snapshotTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// All scans the snapshot and returns every known user's presence entry.
func (s *Snapshot) All(ctx context.Context) ([]UserPresence, error) {
	var out []UserPresence

	iter := s.client.Scan(ctx, 0, snapshotPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue // expired between SCAN and HGETALL
		}

		entry := UserPresence{
			UserID: key[len(snapshotPrefix):],
			Online: fields["online"] == "1",
		}
		if raw, ok := fields["last_seen"]; ok && raw != "" {
			if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
				entry.LastSeen = time.Unix(ts, 0).UTC()
			}
		}
		out = append(out, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
