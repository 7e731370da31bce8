// Package monitor samples one sandboxed app's resource consumption on a
// fixed interval and classifies it against the sandbox limits.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/mpkd/internal/clock"
	"github.com/harunnryd/mpkd/internal/concurrency"
	"github.com/harunnryd/mpkd/internal/events"
	"github.com/harunnryd/mpkd/internal/hoststats"
	"github.com/harunnryd/mpkd/internal/metrics"
	"github.com/harunnryd/mpkd/internal/policy"
)

const (
	DefaultWarningThreshold  int64 = 80
	DefaultExceededThreshold int64 = 100
	DefaultNetworkWindow           = 24 * time.Hour
)

// TrackedProcess is a process the supervisor accounts to an app. OSPID is
// zero for logical entries with no OS process behind them.
type TrackedProcess struct {
	PID       int64
	OSPID     int
	StartTime time.Time
}

// ProcessLister returns the supervisor's running entries for an app.
type ProcessLister func(appID string) []TrackedProcess

type Config struct {
	AppID            string
	Limits           policy.ResourceLimits
	WarningThreshold int64
	NetworkWindow    time.Duration
}

type Deps struct {
	Clock     clock.Clock
	Storage   func() int64
	Processes ProcessLister
	Provider  hoststats.Provider
	// Memory reports memory held outside OS processes, such as a script
	// engine heap.
	Memory     func() int64
	Events     events.Publisher
	Cooldown   *Cooldown
	Metrics    *metrics.Collector
	OnExceeded func(events.Event)
}

type forgetter interface {
	Forget(pids ...int)
}

// Monitor is single-use: once stopped it never ticks again.
type Monitor struct {
	cfg  Config
	deps Deps

	mu    sync.RWMutex
	usage Usage

	tickMu      sync.Mutex
	lastNetwork int64
	hasNetwork  bool
	osPIDs      map[int]bool

	lifeMu  sync.Mutex
	started bool
	stopped atomic.Bool
	quit    chan struct{}
	done    chan struct{}
}

func New(cfg Config, deps Deps) *Monitor {
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	if cfg.NetworkWindow <= 0 {
		cfg.NetworkWindow = DefaultNetworkWindow
	}
	if cfg.Limits.MonitorInterval <= 0 {
		cfg.Limits.MonitorInterval = policy.DefaultMonitorInterval
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Provider == nil {
		deps.Provider = hoststats.Null{}
	}
	if deps.Cooldown == nil {
		deps.Cooldown = NewCooldown(DefaultWarningCooldown)
	}

	now := deps.Clock.Now()
	return &Monitor{
		cfg:  cfg,
		deps: deps,
		usage: Usage{
			WindowResetAt: now,
			Tracked:       make(map[string]time.Time),
		},
		osPIDs: make(map[int]bool),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (m *Monitor) AppID() string { return m.cfg.AppID }

func (m *Monitor) Limits() policy.ResourceLimits { return m.cfg.Limits }

// Start runs the first tick immediately and then one per interval. Calling
// Start twice, or after Stop, does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.started || m.stopped.Load() {
		return
	}
	m.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	ticker := m.deps.Clock.NewTicker(m.cfg.Limits.MonitorInterval)
	concurrency.SafeGo(func() {
		defer close(m.done)
		defer ticker.Stop()
		defer cancel()

		slog.Debug("Monitor started", "app_id", m.cfg.AppID, "interval", m.cfg.Limits.MonitorInterval)
		m.Tick(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-m.quit:
				return
			case <-ticker.C:
				m.Tick(loopCtx)
			}
		}
	}, func(r interface{}) {
		slog.Error("Monitor loop crashed", "app_id", m.cfg.AppID, "panic", r)
	})
}

// Stop prevents further ticks. An in-flight tick completes; Done is closed
// once it has.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.stopped.Load() {
		return
	}
	m.stopped.Store(true)
	close(m.quit)
	if !m.started {
		close(m.done)
	}
	slog.Debug("Monitor stopped", "app_id", m.cfg.AppID)
}

// Done is closed when the monitor loop has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) Stopped() bool {
	return m.stopped.Load()
}

// Usage returns a snapshot of the latest measurement.
func (m *Monitor) Usage() Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage.clone()
}

// Tick runs one sampling pass. It returns false without sampling once the
// monitor is stopped.
func (m *Monitor) Tick(ctx context.Context) bool {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	if m.stopped.Load() || ctx.Err() != nil {
		return false
	}

	start := time.Now()
	now := m.deps.Clock.Now()

	next := m.Usage()
	next.SampledAt = now
	if m.deps.Storage != nil {
		next.StorageBytes = m.deps.Storage()
	}
	m.sampleProcesses(&next)
	m.sampleNetwork(&next, now)

	m.mu.Lock()
	m.usage = next
	m.mu.Unlock()

	m.check(next, now)
	m.deps.Metrics.RecordTick(m.cfg.AppID, time.Since(start))
	return true
}

func (m *Monitor) sampleProcesses(u *Usage) {
	tracked := make(map[string]time.Time)
	pids := make(map[int]time.Time)

	if m.deps.Processes != nil {
		for _, p := range m.deps.Processes(m.cfg.AppID) {
			if p.OSPID > 0 {
				pids[p.OSPID] = p.StartTime
				continue
			}
			tracked["mpk:"+strconv.FormatInt(p.PID, 10)] = p.StartTime
		}
	}

	discovered, err := m.deps.Provider.Processes(m.cfg.AppID)
	if err != nil {
		slog.Debug("Host process listing failed", "app_id", m.cfg.AppID, "error", err)
	}
	for _, info := range discovered {
		if _, ok := pids[info.PID]; !ok {
			pids[info.PID] = info.StartTime
		}
	}

	var memory int64
	var cpu float64
	seen := make(map[int]bool, len(pids))
	for pid, started := range pids {
		sample, err := m.deps.Provider.Sample(pid)
		if err != nil {
			slog.Debug("Process sample failed", "app_id", m.cfg.AppID, "pid", pid, "error", err)
		} else {
			memory += sample.MemoryBytes
			cpu += sample.CPUPercent
		}
		tracked["os:"+strconv.Itoa(pid)] = started
		seen[pid] = true
	}

	if f, ok := m.deps.Provider.(forgetter); ok {
		var gone []int
		for pid := range m.osPIDs {
			if !seen[pid] {
				gone = append(gone, pid)
			}
		}
		if len(gone) > 0 {
			f.Forget(gone...)
		}
	}
	m.osPIDs = seen

	if m.deps.Memory != nil {
		memory += m.deps.Memory()
	}

	u.Tracked = tracked
	u.ProcessCount = int64(len(tracked))
	u.MemoryBytes = memory
	u.CPUPercent = int64(math.Round(cpu))
}

func (m *Monitor) sampleNetwork(u *Usage, now time.Time) {
	total, err := m.deps.Provider.NetworkBytes(m.cfg.AppID)
	if err != nil {
		slog.Debug("Network counter read failed", "app_id", m.cfg.AppID, "error", err)
	} else {
		if m.hasNetwork {
			// counters that went backwards were reset by the host
			if delta := total - m.lastNetwork; delta > 0 {
				u.NetworkBytes += delta
			}
		}
		m.lastNetwork = total
		m.hasNetwork = true
	}

	if now.Sub(u.WindowResetAt) > m.cfg.NetworkWindow {
		u.NetworkBytes = 0
		u.WindowResetAt = now
	}
}

func (m *Monitor) check(u Usage, now time.Time) {
	for _, rt := range policy.ResourceTypes {
		limit := m.cfg.Limits.Limit(rt)
		if limit <= 0 {
			continue
		}

		current := u.Current(rt)
		pct := Percentage(current, limit)
		m.deps.Metrics.ObserveResource(m.cfg.AppID, rt, current, limit, pct)

		switch {
		case pct >= DefaultExceededThreshold:
			evt := m.event(events.ResourceExceeded, rt, current, limit, pct, now)
			slog.Warn("Resource limit exceeded",
				"app_id", m.cfg.AppID, "resource", rt, "current", current, "limit", limit, "percentage", pct)
			m.deps.Metrics.RecordExceeded(m.cfg.AppID, rt)
			m.emit(evt)
			m.exceeded(evt)
		case pct >= m.cfg.WarningThreshold:
			if !m.deps.Cooldown.Allow(m.cfg.AppID, rt, now) {
				continue
			}
			evt := m.event(events.ResourceWarning, rt, current, limit, pct, now)
			slog.Info("Resource usage warning",
				"app_id", m.cfg.AppID, "resource", rt, "current", current, "limit", limit, "percentage", pct)
			m.deps.Metrics.RecordWarning(m.cfg.AppID, rt)
			m.emit(evt)
		}
	}
}

func (m *Monitor) event(t events.Type, rt policy.ResourceType, current, limit, pct int64, now time.Time) events.Event {
	return events.Event{
		Type:    t,
		AppID:   m.cfg.AppID,
		Time:    now,
		Payload: events.ResourcePayload(rt, current, limit, pct),
	}
}

func (m *Monitor) emit(evt events.Event) {
	if m.deps.Events != nil {
		m.deps.Events.Publish(evt)
	}
}

// exceeded queues the callback behind the event so listeners see the event
// before mitigation runs.
func (m *Monitor) exceeded(evt events.Event) {
	cb := m.deps.OnExceeded
	if cb == nil {
		return
	}
	if m.deps.Events != nil {
		m.deps.Events.Enqueue(m.cfg.AppID, func() { cb(evt) })
		return
	}
	concurrency.SafeGo(func() { cb(evt) }, nil)
}
