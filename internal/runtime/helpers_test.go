package runtime

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/mpkd/internal/bundle"
	"github.com/harunnryd/mpkd/internal/clock"
	"github.com/harunnryd/mpkd/internal/events"
	"github.com/harunnryd/mpkd/internal/metrics"
	"github.com/harunnryd/mpkd/internal/policy"
	"github.com/harunnryd/mpkd/internal/process"
	"github.com/harunnryd/mpkd/internal/sandbox"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

const codeVirtual bundle.CodeType = "service"

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) listen(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) count(appID string, t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.AppID == appID && evt.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) countResource(appID string, t events.Type, rt policy.ResourceType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.AppID == appID && evt.Type == t && evt.Resource() == rt {
			n++
		}
	}
	return n
}

type harness struct {
	rt        *Runtime
	bus       *events.Bus
	clock     *clock.FakeClock
	sandboxes *sandbox.BasicManager
	metrics   *metrics.Collector
	events    *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	bus := events.NewBus(clk)
	sandboxes, err := sandbox.NewBasicManager(filepath.Join(t.TempDir(), "sandboxes"), bus, sandbox.WithClock(clk))
	require.NoError(t, err)

	audit, err := policy.NewAuditLogger(&policy.AuditPolicy{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "audit", "escalations.jsonl"),
	})
	require.NoError(t, err)

	collector := metrics.New()
	rt, err := New(Options{
		Clock:         clk,
		Events:        bus,
		Sandboxes:     sandboxes,
		Supervisor:    process.NewSupervisor(process.Options{Clock: clk, StopTimeout: 2 * time.Second}),
		Metrics:       collector,
		Audit:         audit,
		ScriptTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	rec := &recorder{}
	rt.Subscribe("", rec.listen)

	t.Cleanup(func() {
		_ = rt.Shutdown(context.Background())
		bus.Close()
	})

	return &harness{rt: rt, bus: bus, clock: clk, sandboxes: sandboxes, metrics: collector, events: rec}
}

func int64p(v int64) *int64 { return &v }

func manifest(id string, ct bundle.CodeType, entry string) *bundle.Package {
	return &bundle.Package{
		FormatVersion:      bundle.SupportedFormatVersion,
		ID:                 id,
		Name:               "Test " + id,
		Version:            bundle.Version{Name: "1.0.0", Code: 1, HasCode: true},
		Platform:           "mpk",
		MinPlatformVersion: "1.0",
		CodeType:           ct,
		EntryPoint:         entry,
	}
}

func writeApp(t *testing.T, pkg *bundle.Package, code []byte, extra func(b *bundle.Builder)) string {
	t.Helper()
	b, err := bundle.NewBuilder().WithManifest(pkg)
	require.NoError(t, err)
	b.AddCode(pkg.EntryPoint, code)
	if extra != nil {
		extra(b)
	}
	path := filepath.Join(t.TempDir(), pkg.ID+".mpk")
	require.NoError(t, b.WriteFile(path))
	return path
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeBytes(t *testing.T, path string, n int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), n), 0o644))
}

func (h *harness) load(t *testing.T, path string) string {
	t.Helper()
	appID, err := h.rt.LoadApp(context.Background(), path)
	require.NoError(t, err)
	return appID
}

func (h *harness) app(t *testing.T, appID string) *app {
	t.Helper()
	a, ok := h.rt.lookup(appID)
	require.True(t, ok, "app %s not loaded", appID)
	return a
}

// waitFirstTick waits for the tick Start runs in the background.
func (h *harness) waitFirstTick(t *testing.T, appID string) {
	t.Helper()
	a := h.app(t, appID)
	require.Eventually(t, func() bool { return !a.monitor.Usage().SampledAt.IsZero() }, 2*time.Second, 5*time.Millisecond)
	h.bus.Drain(appID)
}

// tick runs one monitor tick and waits for its events and callbacks.
func (h *harness) tick(t *testing.T, appID string) {
	t.Helper()
	a := h.app(t, appID)
	require.True(t, a.monitor.Tick(context.Background()))
	h.bus.Drain(appID)
}

func warning(appID string, rt policy.ResourceType, pct int64) events.Event {
	return events.Event{Type: events.ResourceWarning, AppID: appID, Payload: events.ResourcePayload(rt, pct, 100, pct)}
}

func exceeded(appID string, rt policy.ResourceType, pct int64) events.Event {
	return events.Event{Type: events.ResourceExceeded, AppID: appID, Payload: events.ResourcePayload(rt, pct, 100, pct)}
}

// listening reports whether the app's script registered a message handler.
func (h *harness) listening(appID string) bool {
	a, ok := h.rt.lookup(appID)
	if !ok {
		return false
	}
	e := a.scriptEngine()
	return e != nil && e.Listening()
}
