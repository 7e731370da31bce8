package events

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/harunnryd/mpkd/internal/clock"
	"github.com/harunnryd/mpkd/internal/concurrency"

	"github.com/oklog/ulid/v2"
)

// Listener receives events. It runs on the app's delivery goroutine and
// must not call Bus.Drain for the same app.
type Listener func(Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(evt Event)
	Enqueue(appID string, fn func())
}

type subscription struct {
	appID    string
	listener Listener
}

// Bus keeps one FIFO per app. Events for one app are delivered in publish
// order; apps do not wait on each other.
type Bus struct {
	mu        sync.RWMutex
	clock     clock.Clock
	queues    map[string]*queue
	listeners map[uint64]subscription
	nextID    uint64
	closed    bool
}

func NewBus(c clock.Clock) *Bus {
	if c == nil {
		c = clock.Real()
	}
	return &Bus{
		clock:     c,
		queues:    make(map[string]*queue),
		listeners: make(map[uint64]subscription),
	}
}

// Subscribe registers a listener for one app, or for every app when appID
// is empty. The returned function removes it.
func (b *Bus) Subscribe(appID string, l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners[id] = subscription{appID: appID, listener: l}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Publish stamps evt with an ID and time if missing and queues it for
// delivery. It never blocks on listeners.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = ulid.Make().String()
	}
	if evt.Time.IsZero() {
		evt.Time = b.clock.Now()
	}

	b.Enqueue(evt.AppID, func() { b.dispatch(evt) })
}

// Enqueue runs fn on the app's delivery goroutine, ordered with its events.
func (b *Bus) Enqueue(appID string, fn func()) {
	q := b.queue(appID)
	if q == nil {
		slog.Debug("Event bus closed, dropping work", "app_id", appID)
		return
	}
	q.push(fn)
}

// Drain blocks until everything queued for appID so far has been handled.
func (b *Bus) Drain(appID string) {
	b.mu.RLock()
	q := b.queues[appID]
	b.mu.RUnlock()

	if q != nil {
		q.drain()
	}
}

// Retire finishes the app's pending deliveries in the background and
// releases its goroutine. Later events for the app start a new queue.
func (b *Bus) Retire(appID string) {
	b.mu.Lock()
	q := b.queues[appID]
	delete(b.queues, appID)
	b.mu.Unlock()

	if q != nil {
		q.close()
	}
}

// Close stops accepting work and waits for every queue to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	queues := b.queues
	b.queues = make(map[string]*queue)
	b.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	for _, q := range queues {
		<-q.done
	}
}

func (b *Bus) queue(appID string) *queue {
	b.mu.RLock()
	q, ok := b.queues[appID]
	closed := b.closed
	b.mu.RUnlock()
	if ok {
		return q
	}
	if closed {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if q, ok := b.queues[appID]; ok {
		return q
	}
	q = newQueue(appID)
	b.queues[appID] = q
	return q
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	targets := make([]Listener, 0, len(b.listeners))
	ids := make([]uint64, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		sub := b.listeners[id]
		if sub.appID == "" || sub.appID == evt.AppID {
			targets = append(targets, sub.listener)
		}
	}
	b.mu.RUnlock()

	for _, l := range targets {
		concurrency.SafeCall(func() { l(evt) }, func(r interface{}) {
			slog.Error("Event listener panicked", "app_id", evt.AppID, "event", evt.Type, "panic", r)
		})
	}
}
