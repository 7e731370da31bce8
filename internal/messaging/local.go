package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/mpkd/internal/concurrency"
	mpkerrors "github.com/harunnryd/mpkd/internal/errors"
)

// Dispatcher queues work per app. events.Bus satisfies it.
type Dispatcher interface {
	Enqueue(appID string, fn func())
}

// Local delivers in-process. With a dispatcher, each recipient receives
// messages in send order on its own queue; without one delivery is
// synchronous.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	dispatch Dispatcher
	closed   bool
}

func NewLocal(dispatch Dispatcher) *Local {
	return &Local{
		handlers: make(map[string]Handler),
		dispatch: dispatch,
	}
}

func (l *Local) Register(appID string, h Handler) error {
	if appID == "" || h == nil {
		return mpkerrors.InvalidInput("app id and handler are required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return mpkerrors.Closed("messenger")
	}
	l.handlers[appID] = h
	return nil
}

func (l *Local) Unregister(appID string) error {
	l.mu.Lock()
	delete(l.handlers, appID)
	l.mu.Unlock()
	return nil
}

func (l *Local) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	closed := l.closed
	h, ok := l.handlers[msg.To]
	l.mu.RUnlock()

	if closed {
		return mpkerrors.Closed("messenger")
	}
	if !ok {
		return mpkerrors.NotFound(fmt.Sprintf("recipient %s", msg.To))
	}

	msg = stamp(msg)
	deliver := func() {
		concurrency.SafeCall(func() { h(msg) }, func(r interface{}) {
			slog.Error("Message handler panicked", "to", msg.To, "type", msg.Type, "panic", r)
		})
	}

	if l.dispatch != nil {
		l.dispatch.Enqueue(msg.To, deliver)
	} else {
		deliver()
	}
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.handlers = make(map[string]Handler)
	l.mu.Unlock()
	return nil
}
