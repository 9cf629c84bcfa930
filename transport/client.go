package transport

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/types"
)

// Conn is the part of natsclient.Client the adapters use
type Conn interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// RPCClient calls manager instances and exchanges status events over NATS
type RPCClient struct {
	conn   Conn
	logger *slog.Logger
}

// NewRPCClient creates a client over conn
func NewRPCClient(conn Conn, logger *slog.Logger) *RPCClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCClient{conn: conn, logger: logger.With("component", "rpc-client")}
}

// Call sends env to service on target and waits for the reply until ctx ends
func (c *RPCClient) Call(ctx context.Context, target, service string, env types.Envelope) (types.Reply, error) {
	subject := types.RPCSubject(target, service)

	data, err := json.Marshal(env)
	if err != nil {
		return types.Reply{}, errors.WrapInvalid(err, "RPCClient", "Call", "encode envelope")
	}

	raw, err := c.conn.Request(ctx, subject, data)
	if err != nil {
		return types.Reply{}, errors.WrapTransient(err, "RPCClient", "Call", "request "+subject)
	}

	var reply types.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return types.Reply{}, errors.WrapInvalid(err, "RPCClient", "Call", "decode reply from "+subject)
	}
	return reply, nil
}

// SubscribeStatus delivers status events published for owner to fn.
// Malformed events are dropped.
func (c *RPCClient) SubscribeStatus(owner string, fn func(types.StatusEvent)) (func() error, error) {
	subject := types.StatusSubject(owner)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event types.StatusEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			c.logger.Warn("Dropping undecodable status event", "subject", msg.Subject, "error", err)
			return
		}
		fn(event)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "RPCClient", "SubscribeStatus", "subscribe "+subject)
	}
	return sub.Unsubscribe, nil
}

// PublishStatus sends event to the status subject of owner
func (c *RPCClient) PublishStatus(ctx context.Context, owner string, event types.StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.WrapInvalid(err, "RPCClient", "PublishStatus", "encode status event")
	}
	subject := types.StatusSubject(owner)
	if err := c.conn.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "RPCClient", "PublishStatus", "publish "+subject)
	}
	return nil
}
