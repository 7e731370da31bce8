package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/mpkd/internal/config"
	"github.com/harunnryd/mpkd/internal/daemon"

	"github.com/robfig/cron/v3"
)

// ReaperComponent periodically reconciles the process table with the host
// and drops finished entries.
type ReaperComponent struct {
	schedule    string
	runtimeComp *RuntimeComponent

	mu      sync.Mutex
	cron    *cron.Cron
	lastRun time.Time
	runs    int
}

func NewReaperComponent(cfg *config.ProcessConfig, runtimeComp *RuntimeComponent) *ReaperComponent {
	schedule := config.DefaultProcessReapSchedule
	if cfg != nil && cfg.ReapSchedule != "" {
		schedule = cfg.ReapSchedule
	}
	return &ReaperComponent{
		schedule:    schedule,
		runtimeComp: runtimeComp,
	}
}

func (r *ReaperComponent) Name() string {
	return "Reaper"
}

func (r *ReaperComponent) Dependencies() []string {
	return []string{"Runtime"}
}

func (r *ReaperComponent) Init(ctx context.Context) error {
	if r.runtimeComp == nil {
		return fmt.Errorf("runtimeComp not provided")
	}

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.Reap() }); err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", r.schedule, err)
	}

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()

	slog.Info("Reaper initialized", "component", r.Name(), "schedule", r.schedule)
	return nil
}

func (r *ReaperComponent) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron == nil {
		return fmt.Errorf("reaper not initialized")
	}
	r.cron.Start()
	slog.Info("Reaper started", "component", r.Name())
	return nil
}

func (r *ReaperComponent) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.mu.Unlock()

	if c == nil {
		slog.Info("Reaper not initialized, skipping stop", "component", r.Name())
		return nil
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return fmt.Errorf("reaper stop: %w", ctx.Err())
	}

	slog.Info("Reaper stopped", "component", r.Name())
	return nil
}

func (r *ReaperComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron == nil {
		return daemon.Unhealthy(r.Name(), fmt.Errorf("not initialized")), nil
	}

	return daemon.Healthy(r.Name()), nil
}

// Reap runs one reconcile and cleanup pass. It returns how many running
// processes were found dead and how many finished entries were dropped.
func (r *ReaperComponent) Reap() (exited, removed int) {
	stack := r.runtimeComp.Stack()
	if stack == nil {
		return 0, 0
	}

	sup := stack.Runtime.Supervisor()
	exited = sup.Reconcile()
	removed = sup.CleanupStoppedProcesses()
	if stack.Metrics != nil {
		stack.Metrics.ProcessesTracked.Set(float64(sup.Count()))
	}

	r.mu.Lock()
	r.lastRun = time.Now()
	r.runs++
	r.mu.Unlock()

	if exited > 0 || removed > 0 {
		slog.Info("Process table reaped", "exited", exited, "removed", removed)
	}
	return exited, removed
}

// Runs returns how many reap passes completed.
func (r *ReaperComponent) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}
