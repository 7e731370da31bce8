package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/harunnryd/mpkd/internal/clock"
	"github.com/harunnryd/mpkd/internal/concurrency"
	mpkerrors "github.com/harunnryd/mpkd/internal/errors"
	"github.com/harunnryd/mpkd/internal/monitor"
)

const (
	DefaultCapacity    = 100
	DefaultStopTimeout = 5 * time.Second
)

// Callbacks report lifecycle transitions. They run on the goroutine that
// observed the transition, outside every supervisor lock.
type Callbacks struct {
	OnStarted func(p *Process)
	OnStopped func(p *Process)
	OnFailed  func(p *Process, err error)
}

type Options struct {
	Capacity    int
	StopTimeout time.Duration
	Spawner     Spawner
	Clock       clock.Clock
	Callbacks   Callbacks
	// Output builds the stdout and stderr writers of a NATIVE process.
	Output func(p *Process) (stdout, stderr io.Writer)
}

// Supervisor owns the global process table. The capacity check is the only
// coordination shared by every app.
type Supervisor struct {
	mu        sync.RWMutex
	processes map[int64]*Process
	nextPID   int64

	capacity    int
	stopTimeout time.Duration
	spawner     Spawner
	clock       clock.Clock
	callbacks   Callbacks
	output      func(p *Process) (stdout, stderr io.Writer)
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Supervisor{
		processes:   make(map[int64]*Process),
		capacity:    opts.Capacity,
		stopTimeout: opts.StopTimeout,
		spawner:     opts.Spawner,
		clock:       opts.Clock,
		callbacks:   opts.Callbacks,
		output:      opts.Output,
	}
}

// SetCallbacks replaces the lifecycle callbacks. Call it before any process
// is started.
func (s *Supervisor) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = cb
}

// CreateProcess adds a CREATED entry to the table.
func (s *Supervisor) CreateProcess(appID, name string, t Type) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.processes) >= s.capacity {
		return nil, fmt.Errorf("process table full (%d entries): %w: %w", s.capacity, mpkerrors.ErrProcess, mpkerrors.ErrLimitExceeded)
	}

	s.nextPID++
	p := &Process{
		PID:       s.nextPID,
		Name:      name,
		AppID:     appID,
		Type:      t,
		Env:       make(map[string]string),
		state:     StateCreated,
		createdAt: s.clock.Now(),
	}
	s.processes[p.PID] = p

	slog.Debug("Process created", "app_id", appID, "pid", p.PID, "name", name, "type", t)
	return p, nil
}

// Start launches p. It returns false if p was not CREATED or the launch
// failed; failures move p to FAILED and are reported through OnFailed.
func (s *Supervisor) Start(ctx context.Context, p *Process) bool {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return false
	}

	var handle Handle
	var err error
	switch p.Type {
	case TypeNative:
		handle, err = s.spawnNative(ctx, p)
	case TypeScript:
		if p.Script == nil {
			err = fmt.Errorf("script process %d has no script: %w", p.PID, mpkerrors.ErrProcess)
			break
		}
		handle = startScript(ctx, p.Script, func(r interface{}) {
			slog.Error("Script process panicked", "app_id", p.AppID, "pid", p.PID, "panic", r)
		})
	case TypeVirtual:
	default:
		err = fmt.Errorf("unknown process type %q: %w", p.Type, mpkerrors.ErrProcess)
	}

	now := s.clock.Now()
	if err != nil {
		p.state = StateFailed
		p.stopTime = now
		p.exitCode = -1
		p.err = err
		p.mu.Unlock()

		slog.Error("Process failed to start", "app_id", p.AppID, "pid", p.PID, "name", p.Name, "error", err)
		if cb := s.callbacksSnapshot().OnFailed; cb != nil {
			cb(p, err)
		}
		return false
	}

	p.state = StateRunning
	p.startTime = now
	p.handle = handle
	p.mu.Unlock()

	slog.Info("Process started", "app_id", p.AppID, "pid", p.PID, "name", p.Name, "type", p.Type, "os_pid", p.OSPID())

	if handle != nil {
		concurrency.SafeGo(func() {
			<-handle.Exited()
			s.IsRunning(p)
		}, nil)
	}
	if cb := s.callbacksSnapshot().OnStarted; cb != nil {
		cb(p)
	}
	return true
}

func (s *Supervisor) spawnNative(ctx context.Context, p *Process) (Handle, error) {
	if len(p.Command) == 0 {
		return nil, fmt.Errorf("native process %d has no command: %w", p.PID, mpkerrors.ErrProcess)
	}

	spec := Spec{
		Command: p.Command,
		Dir:     p.WorkDir,
		Env:     p.envList(),
	}
	if s.output != nil {
		stdout, stderr := s.output(p)
		spec.Stdout, spec.Stderr = stdout, stderr
	}

	handle, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %v: %w", p.Name, err, mpkerrors.ErrProcess)
	}
	return handle, nil
}

// Stop ends a RUNNING process and records exitCode. It waits up to the stop
// timeout for the process to exit; if it does not, Stop returns false and
// the process stays RUNNING.
func (s *Supervisor) Stop(p *Process, exitCode int) bool {
	p.mu.Lock()
	if p.state != StateRunning || p.stopping {
		p.mu.Unlock()
		return false
	}
	p.stopping = true
	handle := p.handle
	p.mu.Unlock()

	if handle != nil && !waitExited(handle, 0) {
		if err := handle.Terminate(); err != nil {
			slog.Debug("Terminate signal failed", "app_id", p.AppID, "pid", p.PID, "error", err)
		}
		if !waitExited(handle, s.stopTimeout) {
			p.mu.Lock()
			p.stopping = false
			p.mu.Unlock()
			slog.Warn("Process did not exit before the stop timeout", "app_id", p.AppID, "pid", p.PID, "timeout", s.stopTimeout)
			return false
		}
	}

	s.markStopped(p, exitCode)
	return true
}

// Kill ends a RUNNING process without waiting for it to cooperate. Used
// when Stop timed out.
func (s *Supervisor) Kill(p *Process, exitCode int) bool {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return false
	}
	p.stopping = true
	handle := p.handle
	p.mu.Unlock()

	if handle != nil {
		if err := handle.Kill(); err != nil {
			slog.Warn("Kill failed", "app_id", p.AppID, "pid", p.PID, "error", err)
		}
		if !waitExited(handle, s.stopTimeout) {
			p.mu.Lock()
			p.stopping = false
			p.mu.Unlock()
			return false
		}
	}

	s.markStopped(p, exitCode)
	return true
}

func (s *Supervisor) markStopped(p *Process, exitCode int) {
	p.mu.Lock()
	p.stopping = false
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.state = StateStopped
	p.stopTime = s.clock.Now()
	p.exitCode = exitCode
	p.mu.Unlock()

	slog.Info("Process stopped", "app_id", p.AppID, "pid", p.PID, "name", p.Name, "exit_code", exitCode)
	if cb := s.callbacksSnapshot().OnStopped; cb != nil {
		cb(p)
	}
}

// IsRunning reconciles p against its handle. A process whose host process
// has exited becomes STOPPED with the host exit code, and OnStopped fires
// for that transition only.
func (s *Supervisor) IsRunning(p *Process) bool {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return false
	}
	if p.handle == nil {
		p.mu.Unlock()
		return true
	}
	if !waitExited(p.handle, 0) {
		p.mu.Unlock()
		return true
	}
	if p.stopping {
		// Stop owns the transition
		p.mu.Unlock()
		return false
	}

	p.state = StateStopped
	p.stopTime = s.clock.Now()
	p.exitCode = p.handle.ExitCode()
	code := p.exitCode
	p.mu.Unlock()

	slog.Info("Process exited", "app_id", p.AppID, "pid", p.PID, "name", p.Name, "exit_code", code)
	if cb := s.callbacksSnapshot().OnStopped; cb != nil {
		cb(p)
	}
	return false
}

// StopAppProcesses stops every running process of appID. It reports whether
// every process of the app ends up STOPPED.
func (s *Supervisor) StopAppProcesses(appID string) bool {
	procs := s.AppProcesses(appID)

	var wg sync.WaitGroup
	for _, p := range procs {
		if p.State() != StateRunning {
			continue
		}
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			s.Stop(p, 0)
		}(p)
	}
	wg.Wait()

	all := true
	for _, p := range procs {
		if p.State() != StateStopped {
			all = false
		}
	}
	return all
}

// CleanupStoppedProcesses drops STOPPED and FAILED entries and returns how
// many were removed.
func (s *Supervisor) CleanupStoppedProcesses() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for pid, p := range s.processes {
		switch p.State() {
		case StateStopped, StateFailed:
			delete(s.processes, pid)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Cleaned up finished processes", "count", removed)
	}
	return removed
}

// Remove drops one entry regardless of state. A RUNNING process keeps
// running but is no longer tracked.
func (s *Supervisor) Remove(pid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processes, pid)
}

// Reconcile checks every RUNNING process against the host and returns how
// many were found to have exited.
func (s *Supervisor) Reconcile() int {
	exited := 0
	for _, p := range s.List() {
		if p.State() != StateRunning {
			continue
		}
		if !s.IsRunning(p) && p.State() == StateStopped {
			exited++
		}
	}
	return exited
}

func (s *Supervisor) Get(pid int64) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[pid]
	return p, ok
}

// List returns every entry ordered by pid.
func (s *Supervisor) List() []*Process {
	s.mu.RLock()
	out := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func (s *Supervisor) AppProcesses(appID string) []*Process {
	var out []*Process
	for _, p := range s.List() {
		if p.AppID == appID {
			out = append(out, p)
		}
	}
	return out
}

// Tracked lists the RUNNING entries of appID for resource accounting.
func (s *Supervisor) Tracked(appID string) []monitor.TrackedProcess {
	var out []monitor.TrackedProcess
	for _, p := range s.AppProcesses(appID) {
		p.mu.Lock()
		if p.state == StateRunning {
			tp := monitor.TrackedProcess{PID: p.PID, StartTime: p.startTime}
			if p.handle != nil {
				tp.OSPID = p.handle.Pid()
			}
			out = append(out, tp)
		}
		p.mu.Unlock()
	}
	return out
}

// Count returns the number of table entries in any state.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes)
}

func (s *Supervisor) Capacity() int { return s.capacity }

func (s *Supervisor) callbacksSnapshot() Callbacks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callbacks
}

func waitExited(h Handle, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-h.Exited():
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.Exited():
		return true
	case <-timer.C:
		return false
	}
}
