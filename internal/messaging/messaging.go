// Package messaging carries messages between loaded apps.
package messaging

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type Message struct {
	ID     string    `json:"id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Type   string    `json:"type"`
	Data   any       `json:"data,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

type Handler func(Message)

type Messenger interface {
	Register(appID string, h Handler) error
	Unregister(appID string) error
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// stamp fills in the identifier and send time when absent.
func stamp(msg Message) Message {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	return msg
}

// Subject builds the bus subject for a message. Dots inside app ids and
// types are folded so each part stays a single subject token.
func Subject(prefix, to, msgType string) string {
	return prefix + "." + token(to) + "." + token(msgType)
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
