package events

import (
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/mpkd/internal/clock"
	"github.com/harunnryd/mpkd/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestPublishStampsAndDeliversInOrder(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus := NewBus(clock.Fake(now))
	defer bus.Close()

	rec := &recorder{}
	bus.Subscribe("app.a", rec.listen)

	for i := 0; i < 50; i++ {
		bus.Publish(Event{Type: ResourceWarning, AppID: "app.a", Payload: map[string]any{KeyPercentage: int64(i)}})
	}
	bus.Drain("app.a")

	got := rec.snapshot()
	require.Len(t, got, 50)
	for i, evt := range got {
		assert.Equal(t, int64(i), evt.Percentage())
		assert.NotEmpty(t, evt.ID)
		assert.Equal(t, now, evt.Time)
	}
}

func TestSubscribeFiltersByApp(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	onlyA := &recorder{}
	all := &recorder{}
	bus.Subscribe("a", onlyA.listen)
	bus.Subscribe("", all.listen)

	bus.Publish(Event{Type: SandboxCreated, AppID: "a"})
	bus.Publish(Event{Type: SandboxCreated, AppID: "b"})
	bus.Drain("a")
	bus.Drain("b")

	assert.Len(t, onlyA.snapshot(), 1)
	assert.Len(t, all.snapshot(), 2)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	rec := &recorder{}
	cancel := bus.Subscribe("a", rec.listen)
	cancel()

	bus.Publish(Event{Type: SandboxCreated, AppID: "a"})
	bus.Drain("a")
	assert.Empty(t, rec.snapshot())
}

func TestSlowListenerDoesNotBlockPublisherOrOtherApps(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe("slow", func(Event) { <-release })

	fast := &recorder{}
	bus.Subscribe("fast", fast.listen)

	published := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: ResourceExceeded, AppID: "slow"})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow listener")
	}

	bus.Publish(Event{Type: ResourceExceeded, AppID: "fast"})
	bus.Drain("fast")
	assert.Len(t, fast.snapshot(), 1)

	close(release)
	bus.Drain("slow")
}

func TestListenerPanicIsContained(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	rec := &recorder{}
	bus.Subscribe("a", func(Event) { panic("listener bug") })
	bus.Subscribe("a", rec.listen)

	bus.Publish(Event{Type: SandboxDeleted, AppID: "a"})
	bus.Publish(Event{Type: SandboxDeleted, AppID: "a"})
	bus.Drain("a")

	assert.Len(t, rec.snapshot(), 2)
}

func TestEnqueueIsOrderedWithEvents(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var order []string
	bus.Subscribe("a", func(evt Event) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, string(evt.Type))
	})

	bus.Publish(Event{Type: ResourceExceeded, AppID: "a"})
	bus.Enqueue("a", func() {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "callback")
	})
	bus.Publish(Event{Type: ResourceCleared, AppID: "a"})
	bus.Drain("a")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"RESOURCE_EXCEEDED", "callback", "RESOURCE_CLEARED"}, order)
}

func TestCloseDeliversPendingThenDrops(t *testing.T) {
	bus := NewBus(nil)

	rec := &recorder{}
	bus.Subscribe("", rec.listen)
	bus.Publish(Event{Type: AppLoaded, AppID: "a"})
	bus.Close()
	bus.Close()

	assert.Len(t, rec.snapshot(), 1)

	bus.Publish(Event{Type: AppUnloaded, AppID: "a"})
	bus.Drain("a")
	assert.Len(t, rec.snapshot(), 1)
}

func TestRetireStartsFreshQueue(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	rec := &recorder{}
	bus.Subscribe("a", rec.listen)
	bus.Publish(Event{Type: AppUnloaded, AppID: "a"})
	bus.Drain("a")
	bus.Retire("a")

	bus.Publish(Event{Type: AppLoaded, AppID: "a"})
	bus.Drain("a")
	assert.Len(t, rec.snapshot(), 2)
}

func TestEventAccessors(t *testing.T) {
	evt := Event{Payload: ResourcePayload(policy.ResourceStorage, 1050, 1000, 105)}
	assert.Equal(t, policy.ResourceStorage, evt.Resource())
	assert.Equal(t, int64(105), evt.Percentage())
	assert.Equal(t, int64(1050), evt.CurrentValue())
	assert.Equal(t, int64(1000), evt.LimitValue())

	decoded := Event{Payload: map[string]any{KeyType: "memory", KeyPercentage: float64(90)}}
	assert.Equal(t, policy.ResourceMemory, decoded.Resource())
	assert.Equal(t, int64(90), decoded.Percentage())
}
