package events

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/mpkd/internal/concurrency"
)

type queue struct {
	appID  string
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	busy   bool
	closed bool
	done   chan struct{}
}

func newQueue(appID string) *queue {
	q := &queue{appID: appID, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	concurrency.SafeGo(q.loop, nil)
	return q
}

func (q *queue) push(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, fn)
	q.cond.Broadcast()
}

func (q *queue) loop() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.busy = true
		q.mu.Unlock()

		concurrency.SafeCall(fn, func(r interface{}) {
			slog.Error("Queued event work panicked", "app_id", q.appID, "panic", r)
		})

		q.mu.Lock()
		q.busy = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *queue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 || q.busy {
		q.cond.Wait()
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
