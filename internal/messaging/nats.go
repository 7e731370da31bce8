package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mpkerrors "github.com/harunnryd/mpkd/internal/errors"

	natsgo "github.com/nats-io/nats.go"
)

type NATSConfig struct {
	URL           string
	ClientName    string
	SubjectPrefix string
}

// NATS publishes on <prefix>.<to>.<type> and subscribes each registered
// app to its own subject space.
type NATS struct {
	nc     *natsgo.Conn
	prefix string

	mu   sync.Mutex
	subs map[string]*natsgo.Subscription
}

func ConnectNATS(cfg NATSConfig) (*NATS, error) {
	nc, err := natsgo.Connect(cfg.URL,
		natsgo.Name(cfg.ClientName),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		natsgo.ReconnectHandler(func(c *natsgo.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %v: %w", cfg.URL, err, mpkerrors.ErrTransient)
	}
	return NewNATS(nc, cfg.SubjectPrefix), nil
}

func NewNATS(nc *natsgo.Conn, prefix string) *NATS {
	return &NATS{
		nc:     nc,
		prefix: prefix,
		subs:   make(map[string]*natsgo.Subscription),
	}
}

func (n *NATS) Register(appID string, h Handler) error {
	if appID == "" || h == nil {
		return mpkerrors.InvalidInput("app id and handler are required")
	}

	subject := n.prefix + "." + token(appID) + ".*"
	sub, err := n.nc.Subscribe(subject, func(m *natsgo.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Warn("Dropping malformed message", "subject", m.Subject, "error", err)
			return
		}
		h(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %v: %w", subject, err, mpkerrors.ErrTransient)
	}

	n.mu.Lock()
	old := n.subs[appID]
	n.subs[appID] = sub
	n.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
	return nil
}

func (n *NATS) Unregister(appID string) error {
	n.mu.Lock()
	sub := n.subs[appID]
	delete(n.subs, appID)
	n.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (n *NATS) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg = stamp(msg)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %v: %w", err, mpkerrors.ErrInvalidInput)
	}

	subject := Subject(n.prefix, msg.To, msg.Type)
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %v: %w", subject, err, mpkerrors.ErrTransient)
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	n.subs = make(map[string]*natsgo.Subscription)
	n.mu.Unlock()

	if n.nc.IsClosed() {
		return nil
	}
	return n.nc.Drain()
}
