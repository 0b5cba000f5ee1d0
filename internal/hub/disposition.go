package hub

// Disposition is the typed outcome of handling one inbound event. The socket
// path stays best-effort toward the client, but the outcome is never
// swallowed: handlers return it, the router logs and counts it, and tests
// assert on it.
type Disposition int

const (
	// Delivered: the event took full effect.
	Delivered Disposition = iota

	// DroppedMalformed: a required field was missing or invalid; nothing
	// was persisted or broadcast.
	DroppedMalformed

	// DroppedNotFound: the event referenced an unknown chat or message.
	DroppedNotFound

	// DroppedRateLimited: the sender exceeded its message rate.
	DroppedRateLimited

	// PersistFailed: a required durable write failed; fan-out was aborted.
	PersistFailed

	// Degraded: the live signal went out but a best-effort side write
	// (presence persistence, member lookup) failed.
	Degraded
)

// String returns the metrics label for the disposition.
func (d Disposition) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case DroppedMalformed:
		return "dropped_malformed"
	case DroppedNotFound:
		return "dropped_not_found"
	case DroppedRateLimited:
		return "dropped_rate_limited"
	case PersistFailed:
		return "persist_failed"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}
