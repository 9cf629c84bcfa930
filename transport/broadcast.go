package transport

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/c360/semstreams-robotics/errors"
)

// DefaultBroadcastSubject carries catalog advertisements
const DefaultBroadcastSubject = "semrobotics.catalog"

// Broadcast is a NATS subject every instance publishes to and listens on
type Broadcast struct {
	conn    Conn
	subject string
}

// NewBroadcast creates a broadcast channel on subject
func NewBroadcast(conn Conn, subject string) *Broadcast {
	if subject == "" {
		subject = DefaultBroadcastSubject
	}
	return &Broadcast{conn: conn, subject: subject}
}

// Subject returns the broadcast subject
func (b *Broadcast) Subject() string {
	return b.subject
}

// Publish sends data to every subscriber, this instance included
func (b *Broadcast) Publish(ctx context.Context, data []byte) error {
	if err := b.conn.Publish(ctx, b.subject, data); err != nil {
		return errors.WrapTransient(err, "Broadcast", "Publish", "publish "+b.subject)
	}
	return nil
}

// Subscribe delivers every message on the subject to fn
func (b *Broadcast) Subscribe(fn func([]byte)) (func() error, error) {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Broadcast", "Subscribe", "subscribe "+b.subject)
	}
	return sub.Unsubscribe, nil
}
