package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/mpkd/internal/clock"
	"github.com/harunnryd/mpkd/internal/concurrency"
	mpkerrors "github.com/harunnryd/mpkd/internal/errors"
	"github.com/harunnryd/mpkd/internal/events"
	"github.com/harunnryd/mpkd/internal/policy"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
)

// DefaultMonitorStopTimeout bounds how long DeleteSandbox waits for the
// attached monitor to acknowledge Stop.
const DefaultMonitorStopTimeout = 10 * time.Second

type BasicManager struct {
	mu        sync.RWMutex
	sandboxes map[string]*Environment
	monitors  map[string]Monitor
	storage   map[string]int64

	locks       *concurrency.KeyedLock
	baseDir     string
	events      events.Publisher
	clock       clock.Clock
	stopTimeout time.Duration
}

type Option func(*BasicManager)

func WithClock(c clock.Clock) Option {
	return func(m *BasicManager) { m.clock = c }
}

func WithMonitorStopTimeout(d time.Duration) Option {
	return func(m *BasicManager) {
		if d > 0 {
			m.stopTimeout = d
		}
	}
}

func NewBasicManager(baseDir string, pub events.Publisher, opts ...Option) (*BasicManager, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".mpkd", "sandboxes")
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox base directory: %w", err)
	}

	m := &BasicManager{
		sandboxes:   make(map[string]*Environment),
		monitors:    make(map[string]Monitor),
		storage:     make(map[string]int64),
		locks:       concurrency.NewKeyedLock(),
		baseDir:     baseDir,
		events:      pub,
		clock:       clock.Real(),
		stopTimeout: DefaultMonitorStopTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// BaseDir returns the directory holding every sandbox root.
func (m *BasicManager) BaseDir() string {
	return m.baseDir
}

// CreateSandbox returns the existing environment unchanged when appID
// already has one.
func (m *BasicManager) CreateSandbox(appID string, limits policy.ResourceLimits, level policy.IsolationLevel) (*Environment, error) {
	if err := ValidateAppID(appID); err != nil {
		return nil, err
	}

	m.locks.Lock(appID)
	defer m.locks.Unlock(appID)

	if env, ok := m.Get(appID); ok {
		slog.Debug("Sandbox already exists", "app_id", appID, "path", env.Root)
		return env, nil
	}

	if level == "" {
		level = policy.IsolationStandard
	}

	env := newEnvironment(m.baseDir, appID)
	env.InstanceID = ulid.Make().String()
	env.Limits = limits
	env.Isolation = level
	env.CreatedAt = m.clock.Now()

	for _, dir := range env.dirs() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create sandbox directory", "app_id", appID, "path", dir, "error", err)
			_ = os.RemoveAll(env.Root)
			return nil, fmt.Errorf("create %s: %v: %w", dir, err, mpkerrors.ErrSandbox)
		}
	}

	if err := writeMetadata(env); err != nil {
		slog.Warn("Failed to write sandbox metadata", "app_id", appID, "error", err)
	}

	m.mu.Lock()
	m.sandboxes[appID] = env
	m.mu.Unlock()

	slog.Info("Sandbox created", "app_id", appID, "instance_id", env.InstanceID, "path", env.Root, "isolation", level)
	m.publish(events.SandboxCreated, appID, map[string]any{
		events.KeyPath: env.Root,
		"instanceId":   env.InstanceID,
	})

	return env, nil
}

// AttachMonitor records the monitor DeleteSandbox must stop. A previously
// attached monitor is stopped.
func (m *BasicManager) AttachMonitor(appID string, mon Monitor) bool {
	m.mu.Lock()
	if _, ok := m.sandboxes[appID]; !ok {
		m.mu.Unlock()
		return false
	}
	prev := m.monitors[appID]
	m.monitors[appID] = mon
	m.mu.Unlock()

	if prev != nil && prev != mon {
		prev.Stop()
	}
	return true
}

// DeleteSandbox stops the attached monitor, waits for its loop to exit and
// then removes the tree.
func (m *BasicManager) DeleteSandbox(appID string) bool {
	m.locks.Lock(appID)
	defer m.locks.Unlock(appID)

	m.mu.RLock()
	env, ok := m.sandboxes[appID]
	mon := m.monitors[appID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	if mon != nil {
		mon.Stop()
		timer := time.NewTimer(m.stopTimeout)
		select {
		case <-mon.Done():
			timer.Stop()
		case <-timer.C:
			slog.Warn("Monitor did not stop in time, removing sandbox anyway", "app_id", appID, "timeout", m.stopTimeout)
		}
	}

	m.mu.Lock()
	delete(m.sandboxes, appID)
	delete(m.monitors, appID)
	delete(m.storage, appID)
	m.mu.Unlock()

	if err := os.RemoveAll(env.Root); err != nil {
		slog.Error("Failed to remove sandbox directory", "app_id", appID, "path", env.Root, "error", err)
		return false
	}

	slog.Info("Sandbox removed", "app_id", appID, "instance_id", env.InstanceID)
	m.publish(events.SandboxDeleted, appID, map[string]any{events.KeyPath: env.Root})
	return true
}

func (m *BasicManager) ClearCache(appID string) bool {
	return m.clear(appID, events.ClearedCache)
}

func (m *BasicManager) ClearTemp(appID string) bool {
	return m.clear(appID, events.ClearedTemp)
}

func (m *BasicManager) clear(appID, kind string) bool {
	m.locks.Lock(appID)
	defer m.locks.Unlock(appID)

	env, ok := m.Get(appID)
	if !ok {
		return false
	}

	dir := env.Cache
	if kind == events.ClearedTemp {
		dir = env.Temp
	}

	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("Failed to clear sandbox directory", "app_id", appID, "path", dir, "error", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("Failed to recreate sandbox directory", "app_id", appID, "path", dir, "error", err)
		return false
	}

	used := m.StorageUsage(appID)
	slog.Info("Sandbox directory cleared", "app_id", appID, "type", kind, "storage_bytes", used)
	m.publish(events.ResourceCleared, appID, map[string]any{
		events.KeyType: kind,
		events.KeyPath: dir,
	})
	return true
}

// StorageUsage walks the whole sandbox root and caches the result.
// Unknown apps report zero.
func (m *BasicManager) StorageUsage(appID string) int64 {
	env, ok := m.Get(appID)
	if !ok {
		return 0
	}

	size, err := DirSize(env.Root)
	if err != nil {
		slog.Warn("Failed to measure sandbox storage", "app_id", appID, "path", env.Root, "error", err)
	}

	m.mu.Lock()
	if _, ok := m.sandboxes[appID]; ok {
		m.storage[appID] = size
	}
	m.mu.Unlock()
	return size
}

// LastStorageUsage returns the most recent measurement without walking.
func (m *BasicManager) LastStorageUsage(appID string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	size, ok := m.storage[appID]
	return size, ok
}

func (m *BasicManager) Get(appID string) (*Environment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.sandboxes[appID]
	return env, ok
}

func (m *BasicManager) List() []*Environment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	envs := make([]*Environment, 0, len(m.sandboxes))
	for _, env := range m.sandboxes {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].AppID < envs[j].AppID })
	return envs
}

func (m *BasicManager) publish(t events.Type, appID string, payload map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Publish(events.Event{Type: t, AppID: appID, Time: m.clock.Now(), Payload: payload})
}

// ValidateAppID rejects identifiers that cannot be used as a single path
// component.
func ValidateAppID(appID string) error {
	switch {
	case strings.TrimSpace(appID) == "":
		return mpkerrors.InvalidInput("app id is empty")
	case appID == "." || appID == "..":
		return mpkerrors.InvalidInput(fmt.Sprintf("invalid app id %q", appID))
	case strings.ContainsAny(appID, `/\`+"\x00"):
		return mpkerrors.InvalidInput(fmt.Sprintf("app id %q contains a path separator", appID))
	}
	return nil
}

func writeMetadata(env *Environment) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(env.Root, MetadataFile), bytes.NewReader(data))
}
