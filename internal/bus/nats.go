// Package bus bridges hub events across server instances over NATS. Each
// instance publishes the frames it fans out locally, tagged with its own
// origin name; every instance applies remote frames to its local connections
// and skips frames it published itself. A single-instance deployment simply
// runs without a bus.
package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject layout. Room subjects carry the chat id as the last token;
// notify subjects carry the target user id.
const (
	SubjectPresence   = "hub.presence"
	SubjectRoomPrefix = "hub.room."   // + <chat_id>
	SubjectNotify     = "hub.notify." // + <user_id>
)

// Frame is the payload carried on every bus subject: the already-encoded
// client frame plus the name of the instance that produced it.
type Frame struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "parley-hub",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bus wraps the NATS connection with publish/subscribe helpers for the hub's
// three subject families.
type Bus struct {
	conn   *nats.Conn
	origin string
	mu     sync.Mutex
	subs   []*nats.Subscription
}

// Connect dials NATS and returns a ready Bus. origin identifies this hub
// instance in published frames.
func Connect(config Config, origin string) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[bus] disconnected: %v", err)
			} else {
				log.Printf("[bus] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[bus] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[bus] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	log.Printf("[bus] connected to %s origin=%s", nc.ConnectedUrl(), origin)

	return &Bus{conn: nc, origin: origin}, nil
}

// Origin returns this instance's origin name.
func (b *Bus) Origin() string {
	return b.origin
}

func (b *Bus) publish(subject string, frame []byte) error {
	payload, err := json.Marshal(Frame{Origin: b.origin, Data: frame})
	if err != nil {
		return fmt.Errorf("bus: marshal frame: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// PublishPresence mirrors a presence broadcast frame to all instances.
func (b *Bus) PublishPresence(frame []byte) error {
	return b.publish(SubjectPresence, frame)
}

// PublishRoom mirrors a room fan-out frame for the given chat.
func (b *Bus) PublishRoom(chatID string, frame []byte) error {
	return b.publish(SubjectRoomPrefix+chatID, frame)
}

// PublishNotify mirrors a direct notification frame for the given user.
func (b *Bus) PublishNotify(userID string, frame []byte) error {
	return b.publish(SubjectNotify+userID, frame)
}

// decode parses a bus payload and reports whether it originated elsewhere.
func (b *Bus) decode(msg *nats.Msg) (Frame, bool) {
	var frame Frame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		log.Printf("[bus] bad frame on %s: %v", msg.Subject, err)
		return Frame{}, false
	}
	if frame.Origin == b.origin {
		return Frame{}, false
	}
	return frame, true
}

func (b *Bus) subscribe(subject string, cb nats.MsgHandler) error {
	sub, err := b.conn.Subscribe(subject, cb)
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// SubscribePresence delivers remote presence frames to handler.
func (b *Bus) SubscribePresence(handler func(frame []byte)) error {
	return b.subscribe(SubjectPresence, func(msg *nats.Msg) {
		if frame, ok := b.decode(msg); ok {
			handler(frame.Data)
		}
	})
}

// SubscribeRooms delivers remote room frames to handler along with the chat
// id extracted from the subject.
func (b *Bus) SubscribeRooms(handler func(chatID string, frame []byte)) error {
	return b.subscribe(SubjectRoomPrefix+">", func(msg *nats.Msg) {
		frame, ok := b.decode(msg)
		if !ok {
			return
		}
		chatID := strings.TrimPrefix(msg.Subject, SubjectRoomPrefix)
		if chatID == "" || chatID == msg.Subject {
			return
		}
		handler(chatID, frame.Data)
	})
}

// SubscribeNotify delivers remote direct-notification frames to handler
// along with the target user id.
func (b *Bus) SubscribeNotify(handler func(userID string, frame []byte)) error {
	return b.subscribe(SubjectNotify+">", func(msg *nats.Msg) {
		frame, ok := b.decode(msg)
		if !ok {
			return
		}
		userID := strings.TrimPrefix(msg.Subject, SubjectNotify)
		if userID == "" || userID == msg.Subject {
			return
		}
		handler(userID, frame.Data)
	})
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()
	b.conn.Close()
}
