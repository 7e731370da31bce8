package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/mpkd/internal/events"
	"github.com/harunnryd/mpkd/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) listen(evt events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) ofType(t events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, evt := range l.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

type stubMonitor struct {
	once    sync.Once
	done    chan struct{}
	stopped int
	mu      sync.Mutex
}

func newStubMonitor() *stubMonitor {
	return &stubMonitor{done: make(chan struct{})}
}

func (s *stubMonitor) Stop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *stubMonitor) Done() <-chan struct{} { return s.done }

func newTestManager(t *testing.T) (*BasicManager, *events.Bus, *eventLog) {
	t.Helper()
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	log := &eventLog{}
	bus.Subscribe("", log.listen)

	m, err := NewBasicManager(t.TempDir(), bus)
	require.NoError(t, err)
	return m, bus, log
}

func writeBytes(t *testing.T, path string, n int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, make([]byte, n), 0644))
}

func TestCreateSandboxLayout(t *testing.T) {
	m, bus, log := newTestManager(t)

	limits := policy.DefaultLimits()
	env, err := m.CreateSandbox("com.example.app", limits, policy.IsolationStrict)
	require.NoError(t, err)

	for _, dir := range []string{env.Data, env.Cache, env.Temp, env.Shared} {
		assert.DirExists(t, dir)
	}
	assert.Equal(t, filepath.Join(m.BaseDir(), "com.example.app"), env.Root)
	assert.Equal(t, limits, env.Limits)
	assert.Equal(t, policy.IsolationStrict, env.Isolation)
	assert.NotEmpty(t, env.InstanceID)

	raw, err := os.ReadFile(filepath.Join(env.Root, MetadataFile))
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, "com.example.app", meta["app_id"])

	bus.Drain("com.example.app")
	assert.Len(t, log.ofType(events.SandboxCreated), 1)
}

func TestCreateSandboxIsIdempotent(t *testing.T) {
	m, bus, log := newTestManager(t)

	first, err := m.CreateSandbox("app", policy.DefaultLimits(), "")
	require.NoError(t, err)

	other := policy.DefaultLimits()
	other.MaxStorageBytes = 1
	second, err := m.CreateSandbox("app", other, policy.IsolationMinimal)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, first.Root, second.Root)
	assert.Equal(t, policy.DefaultLimits().MaxStorageBytes, second.Limits.MaxStorageBytes)
	assert.Equal(t, policy.IsolationStandard, second.Isolation)

	bus.Drain("app")
	assert.Len(t, log.ofType(events.SandboxCreated), 1)
}

func TestCreateSandboxRejectsUnsafeAppID(t *testing.T) {
	m, _, _ := newTestManager(t)

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		_, err := m.CreateSandbox(id, policy.DefaultLimits(), "")
		assert.Error(t, err, "app id %q", id)
	}
}

func TestDeleteSandboxStopsMonitorFirst(t *testing.T) {
	m, bus, log := newTestManager(t)

	env, err := m.CreateSandbox("app", policy.DefaultLimits(), "")
	require.NoError(t, err)

	mon := newStubMonitor()
	require.True(t, m.AttachMonitor("app", mon))

	assert.True(t, m.DeleteSandbox("app"))
	assert.Equal(t, 1, mon.stopped)
	assert.NoDirExists(t, env.Root)

	_, ok := m.Get("app")
	assert.False(t, ok)
	_, ok = m.LastStorageUsage("app")
	assert.False(t, ok)

	bus.Drain("app")
	assert.Len(t, log.ofType(events.SandboxDeleted), 1)

	assert.False(t, m.DeleteSandbox("app"))
	assert.False(t, m.AttachMonitor("app", newStubMonitor()))
}

func TestDeleteSandboxGivesUpOnStuckMonitor(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	m, err := NewBasicManager(t.TempDir(), bus, WithMonitorStopTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, err = m.CreateSandbox("app", policy.DefaultLimits(), "")
	require.NoError(t, err)

	stuck := &stuckMonitor{done: make(chan struct{})}
	m.AttachMonitor("app", stuck)

	assert.True(t, m.DeleteSandbox("app"))
}

type stuckMonitor struct{ done chan struct{} }

func (s *stuckMonitor) Stop()                 {}
func (s *stuckMonitor) Done() <-chan struct{} { return s.done }

func TestAttachMonitorReplacesPrevious(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.CreateSandbox("app", policy.DefaultLimits(), "")
	require.NoError(t, err)

	first := newStubMonitor()
	second := newStubMonitor()
	m.AttachMonitor("app", first)
	m.AttachMonitor("app", second)

	assert.Equal(t, 1, first.stopped)
	assert.Equal(t, 0, second.stopped)
}

func TestClearCacheAndTemp(t *testing.T) {
	m, bus, log := newTestManager(t)

	env, err := m.CreateSandbox("app", policy.DefaultLimits(), "")
	require.NoError(t, err)

	base := m.StorageUsage("app")

	writeBytes(t, filepath.Join(env.Data, "keep.bin"), 100)
	writeBytes(t, filepath.Join(env.Cache, "nested", "c.bin"), 300)
	writeBytes(t, filepath.Join(env.Temp, "t.bin"), 50)
	assert.Equal(t, base+450, m.StorageUsage("app"))

	assert.True(t, m.ClearCache("app"))
	assert.DirExists(t, env.Cache)
	assert.NoFileExists(t, filepath.Join(env.Cache, "nested", "c.bin"))
	size, ok := m.LastStorageUsage("app")
	require.True(t, ok)
	assert.Equal(t, base+150, size)

	assert.True(t, m.ClearTemp("app"))
	assert.Equal(t, base+100, m.StorageUsage("app"))

	bus.Drain("app")
	cleared := log.ofType(events.ResourceCleared)
	require.Len(t, cleared, 2)
	assert.Equal(t, events.ClearedCache, cleared[0].Payload[events.KeyType])
	assert.Equal(t, env.Cache, cleared[0].Payload[events.KeyPath])
	assert.Equal(t, events.ClearedTemp, cleared[1].Payload[events.KeyType])

	assert.False(t, m.ClearCache("unknown"))
}

func TestStorageUsageCountsWholeRoot(t *testing.T) {
	m, _, _ := newTestManager(t)
	env, err := m.CreateSandbox("app", policy.DefaultLimits(), "")
	require.NoError(t, err)

	_, ok := m.LastStorageUsage("app")
	assert.False(t, ok, "nothing cached before the first walk")

	meta, err := os.Stat(filepath.Join(env.Root, MetadataFile))
	require.NoError(t, err)

	writeBytes(t, filepath.Join(env.Root, "manifest.json"), 900)
	writeBytes(t, filepath.Join(env.Shared, "s.bin"), 10)

	assert.Equal(t, meta.Size()+910, m.StorageUsage("app"))
	size, ok := m.LastStorageUsage("app")
	require.True(t, ok)
	assert.Equal(t, meta.Size()+910, size)

	assert.Equal(t, int64(0), m.StorageUsage("missing"))
}

func TestList(t *testing.T) {
	m, _, _ := newTestManager(t)
	for _, id := range []string{"b", "a", "c"} {
		_, err := m.CreateSandbox(id, policy.DefaultLimits(), "")
		require.NoError(t, err)
	}

	var ids []string
	for _, env := range m.List() {
		ids = append(ids, env.AppID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	writeBytes(t, filepath.Join(dir, "a"), 10)
	writeBytes(t, filepath.Join(dir, "x", "y", "b"), 20)

	size, err := DirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(30), size)

	size, err = DirSize(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Zero(t, size)
}
