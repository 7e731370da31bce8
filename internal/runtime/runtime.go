// Package runtime loads bundles into sandboxes, runs them and applies the
// escalation policy when their monitors report pressure.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/mpkd/internal/clock"
	"github.com/harunnryd/mpkd/internal/concurrency"
	"github.com/harunnryd/mpkd/internal/config"
	mpkerrors "github.com/harunnryd/mpkd/internal/errors"
	"github.com/harunnryd/mpkd/internal/events"
	"github.com/harunnryd/mpkd/internal/hoststats"
	"github.com/harunnryd/mpkd/internal/messaging"
	"github.com/harunnryd/mpkd/internal/metrics"
	"github.com/harunnryd/mpkd/internal/monitor"
	"github.com/harunnryd/mpkd/internal/permission"
	"github.com/harunnryd/mpkd/internal/policy"
	"github.com/harunnryd/mpkd/internal/process"
	"github.com/harunnryd/mpkd/internal/sandbox"
)

const DefaultWarningEscalation = 3

// Options wires a Runtime. Sandboxes and Events are required; everything
// else has a working default.
type Options struct {
	Defaults          policy.ResourceLimits
	Isolation         policy.IsolationLevel
	WarningThreshold  int64
	WarningEscalation int
	WarningCooldown   time.Duration
	NetworkWindow     time.Duration
	ScriptTimeout     time.Duration
	// Interpreters maps a code type to the command line that runs it.
	Interpreters map[string]string

	Clock     clock.Clock
	Events    *events.Bus
	Sandboxes sandbox.Manager
	// Supervisor callbacks are replaced by the runtime's own.
	Supervisor  *process.Supervisor
	Provider    hoststats.Provider
	Permissions *permission.Registry
	Messenger   messaging.Messenger
	Metrics     *metrics.Collector
	Audit       policy.AuditLogger
}

type Runtime struct {
	opts     Options
	ctx      context.Context
	cancel   context.CancelFunc
	cooldown *monitor.Cooldown
	locks    *concurrency.KeyedLock

	mu   sync.RWMutex
	apps map[string]*app

	escMu    sync.Mutex
	warnings map[escalationKey]int

	closed atomic.Bool
}

func New(opts Options) (*Runtime, error) {
	if opts.Sandboxes == nil {
		return nil, mpkerrors.InvalidInput("runtime requires a sandbox manager")
	}
	if opts.Events == nil {
		return nil, mpkerrors.InvalidInput("runtime requires an event bus")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Defaults == (policy.ResourceLimits{}) {
		opts.Defaults = policy.DefaultLimits()
	}
	if opts.Isolation == "" {
		opts.Isolation = policy.IsolationStandard
	}
	if opts.WarningEscalation <= 0 {
		opts.WarningEscalation = DefaultWarningEscalation
	}
	if opts.WarningCooldown <= 0 {
		opts.WarningCooldown = monitor.DefaultWarningCooldown
	}
	if opts.Interpreters == nil {
		opts.Interpreters = config.DefaultInterpreters()
	}
	if opts.Supervisor == nil {
		opts.Supervisor = process.NewSupervisor(process.Options{
			Clock:  opts.Clock,
			Output: process.LogOutput,
		})
	}
	if opts.Provider == nil {
		opts.Provider = hoststats.Null{}
	}
	if opts.Permissions == nil {
		opts.Permissions = permission.NewRegistry("")
	}
	if opts.Messenger == nil {
		opts.Messenger = messaging.NewLocal(opts.Events)
	}
	if opts.Audit == nil {
		audit, _ := policy.NewAuditLogger(nil)
		opts.Audit = audit
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		cooldown: monitor.NewCooldown(opts.WarningCooldown),
		locks:    concurrency.NewKeyedLock(),
		apps:     make(map[string]*app),
		warnings: make(map[escalationKey]int),
	}

	opts.Supervisor.SetCallbacks(process.Callbacks{
		OnStopped: r.processStopped,
		OnFailed:  r.processFailed,
	})
	return r, nil
}

func (r *Runtime) Supervisor() *process.Supervisor { return r.opts.Supervisor }

func (r *Runtime) Permissions() *permission.Registry { return r.opts.Permissions }

func (r *Runtime) lookup(appID string) (*app, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apps[appID]
	return a, ok
}

func (r *Runtime) mustLookup(appID string) (*app, error) {
	a, ok := r.lookup(appID)
	if !ok {
		return nil, mpkerrors.NotFound(fmt.Sprintf("app %s is not loaded", appID))
	}
	return a, nil
}

// LoadedApps returns the ids of every loaded app, sorted.
func (r *Runtime) LoadedApps() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.apps))
	for id := range r.apps {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

func (r *Runtime) IsLoaded(appID string) bool {
	_, ok := r.lookup(appID)
	return ok
}

func (r *Runtime) IsRunning(appID string) bool {
	a, ok := r.lookup(appID)
	return ok && a.isRunning()
}

func (r *Runtime) ClearCache(appID string) bool {
	return r.opts.Sandboxes.ClearCache(appID)
}

func (r *Runtime) ClearTemp(appID string) bool {
	return r.opts.Sandboxes.ClearTemp(appID)
}

func (r *Runtime) HasPermission(appID, perm string) bool {
	return r.opts.Permissions.Has(appID, perm)
}

// Subscribe registers an event listener for one app, or all apps when
// appID is empty.
func (r *Runtime) Subscribe(appID string, l events.Listener) func() {
	return r.opts.Events.Subscribe(appID, l)
}

// AuditLog returns the recorded escalation decisions matching filter.
func (r *Runtime) AuditLog(ctx context.Context, filter *policy.AuditFilter) ([]*policy.AuditEntry, error) {
	return r.opts.Audit.Query(ctx, filter)
}

func (r *Runtime) publish(t events.Type, appID string, payload map[string]any) {
	r.opts.Events.Publish(events.Event{Type: t, AppID: appID, Payload: payload})
}

func (r *Runtime) updateGauges() {
	if r.opts.Metrics == nil {
		return
	}
	r.mu.RLock()
	loaded, running := len(r.apps), 0
	for _, a := range r.apps {
		if a.isRunning() {
			running++
		}
	}
	r.mu.RUnlock()

	r.opts.Metrics.AppsLoaded.Set(float64(loaded))
	r.opts.Metrics.AppsRunning.Set(float64(running))
}

// Shutdown stops every app and releases its monitor, bundle and
// registrations. Sandboxes stay on disk so a restarted daemon can reuse
// their data.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, appID := range r.LoadedApps() {
		if err := r.unload(ctx, appID, false); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.opts.Messenger.Close(); err != nil {
		errs = append(errs, mpkerrors.Wrap(err, "close messenger"))
	}
	r.cancel()

	slog.Info("Runtime shut down", "errors", len(errs))
	return mpkerrors.Join(errs...)
}
