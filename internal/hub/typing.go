package hub

import (
	"sync"
	"time"

	"github.com/parley/chat-server/internal/metrics"
)

// TypingWindow is the inactivity window after which a typing indicator
// expires and an implicit stopTyping is broadcast on the typist's behalf.
const TypingWindow = 1400 * time.Millisecond

type typingKey struct {
	chatID string
	userID string
}

// typingEntry is one armed indicator: its timer plus the generation it was
// armed with, so a timer that fires late cannot act on a newer entry.
type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// TypingTracker owns the server-side typing state: one cancellable timer per
// (chat, user) pair. The hub owns the expiry authoritatively so an indicator
// cannot get stuck when the client crashes before sending stopTyping.
type TypingTracker struct {
	mu       sync.Mutex
	timers   map[typingKey]*typingEntry
	gen      uint64
	window   time.Duration
	onExpire func(chatID, userID string)
}

// NewTypingTracker creates a tracker. onExpire runs on a timer goroutine,
// exactly once per expiry, and only when no explicit stop or refresh won the
// race.
func NewTypingTracker(window time.Duration, onExpire func(chatID, userID string)) *TypingTracker {
	return &TypingTracker{
		timers:   make(map[typingKey]*typingEntry),
		window:   window,
		onExpire: onExpire,
	}
}

// Touch starts or refreshes the typing timer for (chatID, userID).
func (t *TypingTracker) Touch(chatID, userID string) {
	key := typingKey{chatID: chatID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.timers[key]; ok {
		entry.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timers[key] = &typingEntry{
		timer: time.AfterFunc(t.window, func() {
			t.expire(key, gen)
		}),
		gen: gen,
	}
	metrics.TypingActive.Set(float64(len(t.timers)))
}

// expire fires the implicit stop for the timer armed at generation gen. A
// timer that lost the lock race to a refreshing Touch finds a newer entry
// under its key and must leave it armed.
func (t *TypingTracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	entry, ok := t.timers[key]
	ok = ok && entry.gen == gen
	if ok {
		delete(t.timers, key)
		metrics.TypingActive.Set(float64(len(t.timers)))
	}
	t.mu.Unlock()

	if ok {
		t.onExpire(key.chatID, key.userID)
	}
}

// Stop cancels the timer for (chatID, userID) and reports whether one was
// active. Used for explicit stopTyping, so the client's own stop suppresses
// the implicit one.
func (t *TypingTracker) Stop(chatID, userID string) bool {
	key := typingKey{chatID: chatID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.timers[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.timers, key)
	metrics.TypingActive.Set(float64(len(t.timers)))
	return true
}

// StopUser cancels every timer the user holds and returns the affected chat
// ids, so the disconnect path can broadcast the implied stops.
func (t *TypingTracker) StopUser(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var chats []string
	for key, entry := range t.timers {
		if key.userID != userID {
			continue
		}
		entry.timer.Stop()
		delete(t.timers, key)
		chats = append(chats, key.chatID)
	}
	metrics.TypingActive.Set(float64(len(t.timers)))
	return chats
}

// Active returns the number of live typing indicators.
func (t *TypingTracker) Active() int {
	t.mu.Lock()
	n := len(t.timers)
	t.mu.Unlock()
	return n
}
