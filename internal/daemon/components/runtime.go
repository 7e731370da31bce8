package components

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/harunnryd/mpkd/internal/clock"
	"github.com/harunnryd/mpkd/internal/config"
	"github.com/harunnryd/mpkd/internal/daemon"
	"github.com/harunnryd/mpkd/internal/events"
	"github.com/harunnryd/mpkd/internal/hoststats"
	"github.com/harunnryd/mpkd/internal/messaging"
	"github.com/harunnryd/mpkd/internal/metrics"
	"github.com/harunnryd/mpkd/internal/permission"
	"github.com/harunnryd/mpkd/internal/policy"
	"github.com/harunnryd/mpkd/internal/process"
	"github.com/harunnryd/mpkd/internal/runtime"
	"github.com/harunnryd/mpkd/internal/sandbox"
	"github.com/harunnryd/mpkd/internal/store"

	"github.com/bmatcuk/doublestar/v4"
)

// Stack is a fully wired runtime plus the pieces the daemon serves
// alongside it.
type Stack struct {
	Runtime *runtime.Runtime
	Events  *events.Bus
	Metrics *metrics.Collector
}

// Close shuts the runtime down and then the bus.
func (s *Stack) Close(ctx context.Context) error {
	err := s.Runtime.Shutdown(ctx)
	s.Events.Close()
	return err
}

// BuildStack wires a runtime from cfg. dataRoot must already be resolved.
func BuildStack(cfg *config.Config, dataRoot string) (*Stack, error) {
	isolation, err := policy.ParseIsolationLevel(cfg.Sandbox.IsolationLevel)
	if err != nil {
		return nil, err
	}
	cooldown, err := config.DurationOrDefault(cfg.Monitor.WarningCooldown, config.DefaultMonitorWarningCooldown)
	if err != nil {
		return nil, fmt.Errorf("parse monitor warning cooldown: %w", err)
	}
	window, err := config.DurationOrDefault(cfg.Monitor.NetworkWindow, config.DefaultMonitorNetworkWindow)
	if err != nil {
		return nil, fmt.Errorf("parse monitor network window: %w", err)
	}
	stopTimeout, err := config.DurationOrDefault(cfg.Process.StopTimeout, config.DefaultProcessStopTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse process stop timeout: %w", err)
	}
	scriptTimeout, err := config.DurationOrDefault(cfg.Process.ScriptTimeout, config.DefaultProcessScriptTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse process script timeout: %w", err)
	}

	sandboxRoot := cfg.Sandbox.Root
	if sandboxRoot == "" {
		if sandboxRoot, err = store.GetSandboxesDir(dataRoot); err != nil {
			return nil, err
		}
	}

	clk := clock.Real()
	bus := events.NewBus(clk)

	sandboxes, err := sandbox.NewBasicManager(sandboxRoot, bus, sandbox.WithClock(clk))
	if err != nil {
		bus.Close()
		return nil, err
	}

	permPath := cfg.Runtime.PermissionsFile
	if permPath == "" {
		if permPath, err = store.GetPermissionsPath(dataRoot); err != nil {
			bus.Close()
			return nil, err
		}
	}
	perms, err := permission.Load(permPath)
	if err != nil {
		bus.Close()
		return nil, err
	}

	auditPath, err := store.GetAuditPath(dataRoot)
	if err != nil {
		bus.Close()
		return nil, err
	}
	audit, err := policy.NewAuditLogger(&policy.AuditPolicy{Enabled: true, Path: auditPath, MaxBytes: cfg.Runtime.AuditMaxBytes})
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	messenger, err := newMessenger(cfg.Messaging, bus)
	if err != nil {
		bus.Close()
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
	}

	rt, err := runtime.New(runtime.Options{
		Defaults:          policy.LimitsFromConfig(cfg.Sandbox),
		Isolation:         isolation,
		WarningThreshold:  cfg.Monitor.WarningThreshold,
		WarningEscalation: cfg.Runtime.WarningEscalation,
		WarningCooldown:   cooldown,
		NetworkWindow:     window,
		ScriptTimeout:     scriptTimeout,
		Interpreters:      cfg.Process.Interpreters,
		Clock:             clk,
		Events:            bus,
		Sandboxes:         sandboxes,
		Supervisor: process.NewSupervisor(process.Options{
			Capacity:    cfg.Process.Capacity,
			StopTimeout: stopTimeout,
			Clock:       clk,
			Output:      process.LogOutput,
		}),
		Provider:    newHostStats(cfg.Monitor.HostStats),
		Permissions: perms,
		Messenger:   messenger,
		Metrics:     collector,
		Audit:       audit,
	})
	if err != nil {
		messenger.Close()
		bus.Close()
		return nil, err
	}

	return &Stack{Runtime: rt, Events: bus, Metrics: collector}, nil
}

func newMessenger(cfg config.MessagingConfig, bus *events.Bus) (messaging.Messenger, error) {
	switch cfg.Driver {
	case "", "local":
		return messaging.NewLocal(bus), nil
	case "nats":
		return messaging.ConnectNATS(messaging.NATSConfig{
			URL:           cfg.NATSURL,
			ClientName:    cfg.ClientName,
			SubjectPrefix: cfg.SubjectPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown messaging driver: %q", cfg.Driver)
	}
}

func newHostStats(kind string) hoststats.Provider {
	switch kind {
	case "", "procfs":
		p, err := hoststats.NewProcfs("")
		if err != nil {
			slog.Warn("Host sampling unavailable, falling back to null provider", "error", err)
			return hoststats.Null{}
		}
		return p
	default:
		return hoststats.Null{}
	}
}

// RuntimeComponent owns the runtime: it autoloads bundles on start and
// shuts every app down on stop.
type RuntimeComponent struct {
	cfg      *config.Config
	lockComp *DataLockComponent

	mu          sync.RWMutex
	stack       *Stack
	unsubscribe func()
	started     bool
}

func NewRuntimeComponent(cfg *config.Config, lockComp *DataLockComponent) *RuntimeComponent {
	return &RuntimeComponent{cfg: cfg, lockComp: lockComp}
}

func (c *RuntimeComponent) Name() string {
	return "Runtime"
}

func (c *RuntimeComponent) Dependencies() []string {
	return []string{"DataLock"}
}

func (c *RuntimeComponent) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lockComp == nil {
		return fmt.Errorf("lockComp not provided")
	}
	dataRoot := c.lockComp.DataRoot()
	if dataRoot == "" {
		return fmt.Errorf("data root lock not held")
	}

	stack, err := BuildStack(c.cfg, dataRoot)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	c.stack = stack
	c.unsubscribe = stack.Events.Subscribe("", logEvent)

	slog.Info("Runtime initialized", "component", c.Name(), "data_root", dataRoot)
	return nil
}

func (c *RuntimeComponent) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stack == nil {
		return fmt.Errorf("Runtime not initialized")
	}

	loaded := c.autoload(ctx)
	c.autostart(ctx)

	c.started = true
	slog.Info("Runtime started", "component", c.Name(), "autoloaded", loaded)
	return nil
}

// autoload loads every bundle in the apps dir matching the autoload glob.
// A bundle that fails to load is logged and skipped.
func (c *RuntimeComponent) autoload(ctx context.Context) int {
	dir := c.cfg.Runtime.AppsDir
	if dir == "" {
		return 0
	}
	pattern := c.cfg.Runtime.AutoloadGlob
	if pattern == "" {
		pattern = config.DefaultRuntimeAutoloadGlob
	}

	matches, err := doublestar.FilepathGlob(filepath.Join(dir, pattern))
	if err != nil {
		slog.Warn("Invalid autoload glob", "pattern", pattern, "error", err)
		return 0
	}
	sort.Strings(matches)

	loaded := 0
	for _, path := range matches {
		appID, err := c.stack.Runtime.LoadApp(ctx, path)
		if err != nil {
			slog.Warn("Autoload failed", "path", path, "error", err)
			continue
		}
		loaded++
		slog.Info("App autoloaded", "app_id", appID, "path", path)
	}
	return loaded
}

func (c *RuntimeComponent) autostart(ctx context.Context) {
	for _, appID := range c.cfg.Runtime.Autostart {
		if err := c.stack.Runtime.StartApp(ctx, appID); err != nil {
			slog.Warn("Autostart failed", "app_id", appID, "error", err)
		}
	}
}

func (c *RuntimeComponent) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stack == nil {
		slog.Info("Runtime not initialized, skipping stop", "component", c.Name())
		return nil
	}

	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	err := c.stack.Close(ctx)
	c.stack = nil
	c.started = false
	if err != nil {
		slog.Error("Runtime shutdown error", "component", c.Name(), "error", err)
		return err
	}
	slog.Info("Runtime stopped", "component", c.Name())
	return nil
}

func (c *RuntimeComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.stack == nil {
		return daemon.Unhealthy(c.Name(), fmt.Errorf("not initialized")), nil
	}
	if !c.started {
		return daemon.Unhealthy(c.Name(), fmt.Errorf("not started")), nil
	}

	return daemon.Healthy(c.Name()), nil
}

// Stack returns the wired runtime, or nil before Init and after Stop.
func (c *RuntimeComponent) Stack() *Stack {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stack
}

func logEvent(evt events.Event) {
	level := slog.LevelDebug
	switch evt.Type {
	case events.ResourceWarning, events.ProcessFailed:
		level = slog.LevelWarn
	case events.ResourceExceeded:
		level = slog.LevelError
	case events.AppLoaded, events.AppUnloaded, events.AppStarted, events.AppStopped:
		level = slog.LevelInfo
	}
	slog.Log(context.Background(), level, "Runtime event",
		"type", evt.Type,
		"app_id", evt.AppID,
		"payload", evt.Payload,
	)
}
