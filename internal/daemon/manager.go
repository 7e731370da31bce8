package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/harunnryd/mpkd/internal/config"
	mpkerrors "github.com/harunnryd/mpkd/internal/errors"
	"github.com/harunnryd/mpkd/internal/policy"
	"github.com/harunnryd/mpkd/internal/store"
)

// Daemon owns the component lifecycle of one mpkd instance.
type Daemon struct {
	cfg          *config.Config
	instance     string
	dataRoot     string
	components   []Component
	byName       map[string]Component
	initialized  []string
	started      []string
	health       HealthStatus
	startedAt    time.Time
	forceCleanup bool
	mu           sync.RWMutex
}

func NewDaemon(instance string, cfg *config.Config) (*Daemon, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	return &Daemon{
		instance: instance,
		cfg:      cfg,
		byName:   make(map[string]Component),
		health:   StatusStarting,
	}, nil
}

// AddComponent registers comp. A second component with the same name
// replaces the first.
func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byName[comp.Name()]; exists {
		d.components = slices.DeleteFunc(d.components, func(c Component) bool { return c.Name() == comp.Name() })
		slog.Warn("Component replaced", "component", comp.Name())
	}
	d.components = append(d.components, comp)
	d.byName[comp.Name()] = comp
	slog.Debug("Component registered", "component", comp.Name(), "total_components", len(d.components))
}

// Start runs the daemon until ctx is cancelled or the process receives
// SIGINT/SIGTERM, then shuts every started component down.
func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("mpkd daemon starting...", "instance", d.instance)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.validateConfig(); err != nil {
		d.setHealth(StatusStopped)
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := d.preInitChecks(ctx, d.forceCleanup); err != nil {
		d.setHealth(StatusStopped)
		return fmt.Errorf("pre-init checks failed: %w", err)
	}

	if err := d.initializeComponents(ctx); err != nil {
		d.rollback(context.Background())
		return fmt.Errorf("component initialization failed: %w", err)
	}

	if err := d.startComponents(ctx); err != nil {
		timeout := config.MustDuration(d.cfg.Daemon.StartupShutdownTimeout, config.DefaultDaemonStartupShutdownTimeout)
		_ = d.gracefulShutdown(context.Background(), timeout)
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.mu.Lock()
	d.health = StatusRunning
	d.startedAt = time.Now()
	d.mu.Unlock()
	slog.Info("mpkd daemon is running", "instance", d.instance, "components", len(d.components), "data_root", d.DataRoot())

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go d.startHealthMonitor(healthCtx)

	<-ctx.Done()

	slog.Info("Context cancelled, initiating graceful shutdown", "instance", d.instance, "reason", ctx.Err())
	stopHealth()
	d.setHealth(StatusStopping)

	timeout := config.MustDuration(d.cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout)
	if err := d.gracefulShutdown(context.Background(), timeout); err != nil {
		return err
	}
	return ctx.Err()
}

// DataRoot returns the resolved data root once the config is validated.
func (d *Daemon) DataRoot() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dataRoot
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Daemon) SetForceCleanup(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceCleanup = force
}

// Component returns the registered component called name, or nil.
func (d *Daemon) Component(name string) Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byName[name]
}

// ComponentHealth probes every component. A probe that fails counts as
// unhealthy with the probe error.
func (d *Daemon) ComponentHealth() map[string]*ComponentHealth {
	d.mu.RLock()
	components := slices.Clone(d.components)
	d.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(components))
	for _, comp := range components {
		health, err := comp.Health(context.Background())
		if health == nil {
			health = Unhealthy(comp.Name(), fmt.Errorf("no health report"))
		}
		if err != nil {
			health.Healthy = false
			health.Error = err
		}
		result[comp.Name()] = health
	}
	return result
}

// Report collects status, uptime and component health in one value.
func (d *Daemon) Report() *Report {
	healths := d.ComponentHealth()

	d.mu.RLock()
	report := &Report{
		Instance:   d.instance,
		Status:     d.health,
		DataRoot:   d.dataRoot,
		Components: make(map[string]ComponentReport, len(healths)),
	}
	if !d.startedAt.IsZero() {
		report.Uptime = time.Since(d.startedAt)
	}
	d.mu.RUnlock()

	for name, h := range healths {
		entry := ComponentReport{Healthy: h.Healthy}
		if h.Error != nil {
			entry.Error = h.Error.Error()
		}
		if !h.Healthy {
			report.Unhealthy++
		}
		report.Components[name] = entry
	}
	return report
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

// validateConfig rejects settings that would only fail later inside a
// component, and resolves the data root.
func (d *Daemon) validateConfig() error {
	slog.Info("Validating configuration...")

	var errs []error
	if d.cfg.Server.Port < 1 || d.cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d (must be 1-65535)", d.cfg.Server.Port))
	}
	if d.cfg.Process.Capacity < 0 {
		errs = append(errs, fmt.Errorf("invalid process capacity: %d", d.cfg.Process.Capacity))
	}
	switch d.cfg.Messaging.Driver {
	case "", "local", "nats":
	default:
		errs = append(errs, fmt.Errorf("unknown messaging driver: %q", d.cfg.Messaging.Driver))
	}
	if _, err := policy.ParseIsolationLevel(d.cfg.Sandbox.IsolationLevel); err != nil {
		errs = append(errs, err)
	}

	durations := map[string][2]string{
		"monitor.warning_cooldown":        {d.cfg.Monitor.WarningCooldown, config.DefaultMonitorWarningCooldown},
		"monitor.network_window":          {d.cfg.Monitor.NetworkWindow, config.DefaultMonitorNetworkWindow},
		"process.stop_timeout":            {d.cfg.Process.StopTimeout, config.DefaultProcessStopTimeout},
		"process.script_timeout":          {d.cfg.Process.ScriptTimeout, config.DefaultProcessScriptTimeout},
		"daemon.shutdown_timeout":         {d.cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout},
		"daemon.health_check_interval":    {d.cfg.Daemon.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval},
		"daemon.startup_shutdown_timeout": {d.cfg.Daemon.StartupShutdownTimeout, config.DefaultDaemonStartupShutdownTimeout},
		"daemon.preflight_timeout":        {d.cfg.Daemon.PreflightTimeout, config.DefaultDaemonPreflightTimeout},
		"daemon.stale_lock_ttl":           {d.cfg.Daemon.StaleLockTTL, config.DefaultDaemonStaleLockTTL},
	}
	for _, key := range slices.Sorted(maps.Keys(durations)) {
		v := durations[key]
		if _, err := config.DurationOrDefault(v[0], v[1]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", mpkerrors.ErrInvalidInput, mpkerrors.Join(errs...))
	}

	dataRoot, err := store.ResolveDataRoot(d.cfg.Daemon.DataRoot)
	if err != nil {
		return fmt.Errorf("resolve data root: %w", err)
	}
	if err := os.MkdirAll(dataRoot, 0755); err != nil {
		return fmt.Errorf("failed to create data root: %w", mpkerrors.MapError(err))
	}

	d.mu.Lock()
	d.dataRoot = dataRoot
	d.mu.Unlock()

	slog.Info("Configuration validated", "instance", d.instance, "port", d.cfg.Server.Port, "data_root", dataRoot)
	return nil
}

func (d *Daemon) preInitChecks(ctx context.Context, forceCleanup bool) error {
	slog.Info("Running pre-init checks...", "instance", d.instance)

	checkCtx, cancel := context.WithTimeout(ctx, config.MustDuration(d.cfg.Daemon.PreflightTimeout, config.DefaultDaemonPreflightTimeout))
	defer cancel()

	staleLockTTL := config.MustDuration(d.cfg.Daemon.StaleLockTTL, config.DefaultDaemonStaleLockTTL)
	if err := store.CleanupStaleLocks(d.DataRoot(), staleLockTTL, forceCleanup); err != nil {
		slog.Warn("Failed to cleanup stale locks", "instance", d.instance, "error", err)
	}

	if err := checkCtx.Err(); err != nil {
		return fmt.Errorf("pre-init checks cancelled: %w", err)
	}
	slog.Info("Pre-init checks completed", "instance", d.instance)
	return nil
}

// resolveOrder validates dependencies and returns component names so that
// every component follows the ones it depends on. Registration order breaks
// ties.
func (d *Daemon) resolveOrder() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(d.components))
	order := make([]string, 0, len(d.components))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("circular dependency: %v", append(path, name))
		}

		comp, ok := d.byName[name]
		if !ok {
			return fmt.Errorf("component %s depends on %s which is not registered", path[len(path)-1], name)
		}

		state[name] = visiting
		for _, dep := range comp.Dependencies() {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, comp := range d.components {
		if err := visit(comp.Name(), nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (d *Daemon) initializeComponents(ctx context.Context) error {
	order, err := d.resolveOrder()
	if err != nil {
		return fmt.Errorf("resolve component order: %w", err)
	}
	slog.Info("Initializing components...", "instance", d.instance, "order", order)

	for _, name := range order {
		comp := d.Component(name)
		if err := comp.Init(ctx); err != nil {
			slog.Error("Component initialization failed", "component", name, "error", err)
			return fmt.Errorf("component %s init failed: %w", name, err)
		}
		d.mu.Lock()
		d.initialized = append(d.initialized, name)
		d.mu.Unlock()
		slog.Debug("Component initialized", "component", name)
	}
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	d.mu.RLock()
	order := slices.Clone(d.initialized)
	d.mu.RUnlock()

	for _, name := range order {
		comp := d.Component(name)
		if err := comp.Start(ctx); err != nil {
			slog.Error("Component startup failed", "component", name, "error", err)
			return fmt.Errorf("component %s startup failed: %w", name, err)
		}
		d.mu.Lock()
		d.started = append(d.started, name)
		d.mu.Unlock()
		slog.Info("Component started", "component", name)
	}
	return nil
}

func (d *Daemon) gracefulShutdown(ctx context.Context, timeout time.Duration) error {
	slog.Info("Graceful shutdown initiated", "instance", d.instance, "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.shutdownComponents(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Error("Shutdown completed with errors", "instance", d.instance, "error", err)
		} else {
			slog.Info("Graceful shutdown completed", "instance", d.instance)
		}
		return err
	case <-shutdownCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
		slog.Error("Shutdown timeout exceeded", "instance", d.instance, "timeout", timeout)
		return fmt.Errorf("shutdown timeout after %v: %w", timeout, mpkerrors.ErrTransient)
	}
}

// shutdownComponents stops every initialized component in reverse init
// order. Stop errors are collected so one failing component does not keep
// the rest running.
func (d *Daemon) shutdownComponents(ctx context.Context) error {
	d.mu.Lock()
	order := slices.Clone(d.initialized)
	d.initialized = nil
	d.started = nil
	d.mu.Unlock()

	var errs []error
	for _, name := range slices.Backward(order) {
		comp := d.Component(name)
		if err := comp.Stop(ctx); err != nil {
			slog.Error("Component stop failed", "component", name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
			continue
		}
		slog.Info("Component stopped", "component", name)
	}

	d.setHealth(StatusStopped)
	return mpkerrors.Join(errs...)
}

// rollback undoes a partial initialization.
func (d *Daemon) rollback(ctx context.Context) {
	slog.Warn("Rolling back initialized components...", "instance", d.instance)
	if err := d.shutdownComponents(ctx); err != nil {
		slog.Error("Rollback finished with errors", "instance", d.instance, "error", err)
	}
}

func (d *Daemon) startHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(config.MustDuration(d.cfg.Daemon.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkComponentHealth()
		}
	}
}

func (d *Daemon) checkComponentHealth() {
	report := d.Report()
	for name, c := range report.Components {
		if !c.Healthy {
			slog.Warn("Component unhealthy", "component", name, "error", c.Error)
		}
	}
	if report.Unhealthy > 0 {
		slog.Warn("Daemon has unhealthy components", "count", report.Unhealthy, "total", len(report.Components))
		return
	}
	slog.Debug("All components healthy", "count", len(report.Components))
}
