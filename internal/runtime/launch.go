package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/harunnryd/mpkd/internal/bundle"
	mpkerrors "github.com/harunnryd/mpkd/internal/errors"
	"github.com/harunnryd/mpkd/internal/events"
	"github.com/harunnryd/mpkd/internal/hoststats"
	"github.com/harunnryd/mpkd/internal/process"
	"github.com/harunnryd/mpkd/internal/script"
	"github.com/harunnryd/mpkd/internal/wasm"

	"github.com/google/shlex"
)

// Environment variables every launched process receives.
const (
	EnvIsolationLevel = "MPK_ISOLATION_LEVEL"
	EnvDataDir        = "MPK_DATA_DIR"
	EnvCacheDir       = "MPK_CACHE_DIR"
	EnvTempDir        = "MPK_TEMP_DIR"
	EnvSharedDir      = "MPK_SHARED_DIR"
)

// StartApp launches a loaded app with the launcher matching its code type.
// Starting a running app does nothing.
func (r *Runtime) StartApp(ctx context.Context, appID string) error {
	r.locks.Lock(appID)
	defer r.locks.Unlock(appID)

	a, err := r.mustLookup(appID)
	if err != nil {
		return err
	}
	if a.isRunning() {
		return nil
	}

	p, err := r.launch(ctx, a)
	if err != nil {
		return err
	}

	a.mu.Lock()
	// a short script may already have finished
	finished := p.State() != process.StateRunning
	var engine *script.Engine
	var module *wasm.Module
	if finished {
		engine, module = a.engine, a.module
		a.engine, a.module = nil, nil
	} else {
		a.running = true
		a.startedAt = r.opts.Clock.Now()
	}
	a.mu.Unlock()
	closeEngines(engine, module)
	r.updateGauges()

	slog.Info("App started", "app_id", appID, "pid", p.PID, "type", p.Type)
	r.publish(events.AppStarted, appID, map[string]any{events.KeyPID: p.PID})
	if finished {
		r.publish(events.AppStopped, appID, map[string]any{"exit_code": p.ExitCode()})
	}
	return nil
}

func (r *Runtime) processEnv(a *app) map[string]string {
	return map[string]string{
		hoststats.AppEnvKey: a.id,
		EnvIsolationLevel:   string(a.env.Isolation),
		EnvDataDir:          a.env.Data,
		EnvCacheDir:         a.env.Cache,
		EnvTempDir:          a.env.Temp,
		EnvSharedDir:        a.env.Shared,
		"HOME":              a.env.Data,
		"TMPDIR":            a.env.Temp,
		"PATH":              os.Getenv("PATH"),
	}
}

func (r *Runtime) launch(ctx context.Context, a *app) (*process.Process, error) {
	entry, err := entryTarget(a.env, a.pkg)
	if err != nil {
		return nil, mpkerrors.InvalidInput(err.Error())
	}

	var (
		ptype   process.Type
		command []string
		run     process.ScriptFunc
		cleanup func()
	)

	kind := a.pkg.CodeType.Kind()
	switch kind {
	case bundle.CodeBinary:
		ptype = process.TypeNative
		command = []string{entry}
	case bundle.CodePython:
		ptype = process.TypeNative
		command, err = r.interpreterCommand(string(bundle.CodePython), entry)
	case bundle.CodeJavaScript:
		ptype = process.TypeScript
		run, cleanup, err = r.javascriptLauncher(a, entry)
	case bundle.CodeWasm:
		ptype = process.TypeScript
		run, cleanup, err = r.wasmLauncher(ctx, a, entry)
	default:
		if line, ok := r.opts.Interpreters[string(kind)]; ok && line != "" {
			ptype = process.TypeNative
			command, err = r.interpreterCommand(string(kind), entry)
		} else {
			ptype = process.TypeVirtual
		}
	}
	if err != nil {
		return nil, err
	}

	p, err := r.opts.Supervisor.CreateProcess(a.id, a.pkg.Name, ptype)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		r.publish(events.ProcessFailed, a.id, map[string]any{events.KeyError: err.Error()})
		return nil, err
	}
	p.WorkDir = a.env.Data
	p.Env = r.processEnv(a)
	p.Command = command
	p.Script = run

	if !r.opts.Supervisor.Start(ctx, p) {
		if cleanup != nil {
			cleanup()
		}
		if err := p.Err(); err != nil {
			return nil, err
		}
		return nil, mpkerrors.Process(fmt.Sprintf("app %s did not start", a.id))
	}
	return p, nil
}

func (r *Runtime) interpreterCommand(codeType, entry string) ([]string, error) {
	line := r.opts.Interpreters[codeType]
	if line == "" {
		return nil, mpkerrors.InvalidInput(fmt.Sprintf("no interpreter configured for %s", codeType))
	}
	parts, err := shlex.Split(line)
	if err != nil || len(parts) == 0 {
		return nil, mpkerrors.InvalidInput(fmt.Sprintf("invalid interpreter command %q", line))
	}
	return append(parts, entry), nil
}

// javascriptLauncher runs the entry script on a fresh engine. A script
// that registers a message handler stays resident until stopped.
func (r *Runtime) javascriptLauncher(a *app, entry string) (process.ScriptFunc, func(), error) {
	source, err := os.ReadFile(entry)
	if err != nil {
		return nil, nil, mpkerrors.MapError(err)
	}

	engine, err := script.New(script.Config{
		AppID:   a.id,
		Timeout: r.opts.ScriptTimeout,
		Send: func(ctx context.Context, to, msgType string, data any) error {
			return r.SendMessage(ctx, a.id, to, msgType, data)
		},
	})
	if err != nil {
		return nil, nil, err
	}

	a.mu.Lock()
	a.engine = engine
	a.mu.Unlock()

	cleanup := func() {
		engine.Close()
		a.mu.Lock()
		if a.engine == engine {
			a.engine = nil
		}
		a.mu.Unlock()
	}

	name := filepath.Base(entry)
	run := func(ctx context.Context) error {
		if _, err := engine.ExecuteScript(ctx, string(source), name); err != nil {
			return err
		}
		if engine.Listening() {
			<-ctx.Done()
		}
		return nil
	}
	return run, cleanup, nil
}

func (r *Runtime) wasmLauncher(ctx context.Context, a *app, entry string) (process.ScriptFunc, func(), error) {
	code, err := os.ReadFile(entry)
	if err != nil {
		return nil, nil, mpkerrors.MapError(err)
	}

	env := r.processEnv(a)
	delete(env, "PATH")
	stdout, stderr := process.AppOutput(a.id)
	module, err := wasm.New(ctx, wasm.Config{
		AppID:          a.id,
		MaxMemoryBytes: a.env.Limits.MaxMemoryBytes,
		DataDir:        a.env.Data,
		CacheDir:       a.env.Cache,
		TempDir:        a.env.Temp,
		Env:            env,
		Stdout:         stdout,
		Stderr:         stderr,
	})
	if err != nil {
		return nil, nil, err
	}

	a.mu.Lock()
	a.module = module
	a.mu.Unlock()

	cleanup := func() {
		_ = module.Close(context.Background())
		a.mu.Lock()
		if a.module == module {
			a.module = nil
		}
		a.mu.Unlock()
	}

	name := filepath.Base(entry)
	run := func(ctx context.Context) error {
		return module.Run(ctx, code, name)
	}
	return run, cleanup, nil
}

// StopApp stops every process of a running app. Stopping an app that is
// not running does nothing.
func (r *Runtime) StopApp(ctx context.Context, appID string) error {
	r.locks.Lock(appID)
	defer r.locks.Unlock(appID)

	a, err := r.mustLookup(appID)
	if err != nil {
		return err
	}
	if !a.isRunning() {
		return nil
	}
	return r.stopLocked(ctx, a, false)
}

// stopLocked expects the app lock to be held. With force, processes that
// ignore the stop request are killed.
func (r *Runtime) stopLocked(ctx context.Context, a *app, force bool) error {
	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()

	stopped := r.opts.Supervisor.StopAppProcesses(a.id)
	if !stopped && force {
		for _, p := range r.opts.Supervisor.AppProcesses(a.id) {
			if p.State() == process.StateRunning {
				r.opts.Supervisor.Kill(p, -1)
			}
		}
		stopped = true
	}

	a.mu.Lock()
	a.stopping = false
	if !stopped {
		a.mu.Unlock()
		return mpkerrors.Transient(fmt.Sprintf("app %s did not stop in time", a.id))
	}
	a.running = false
	engine, module := a.engine, a.module
	a.engine, a.module = nil, nil
	a.mu.Unlock()

	closeEngines(engine, module)
	r.updateGauges()

	slog.Info("App stopped", "app_id", a.id, "forced", force)
	r.publish(events.AppStopped, a.id, map[string]any{"forced": force})
	return nil
}

// processStopped clears the running flag when the app's last process exits
// on its own.
func (r *Runtime) processStopped(p *process.Process) {
	a, ok := r.lookup(p.AppID)
	if !ok {
		return
	}

	for _, other := range r.opts.Supervisor.AppProcesses(p.AppID) {
		if other.State() == process.StateRunning {
			return
		}
	}

	a.mu.Lock()
	if a.stopping || !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	engine, module := a.engine, a.module
	a.engine, a.module = nil, nil
	a.mu.Unlock()

	closeEngines(engine, module)
	r.updateGauges()

	slog.Info("App exited", "app_id", p.AppID, "exit_code", p.ExitCode())
	r.publish(events.AppStopped, p.AppID, map[string]any{"exit_code": p.ExitCode()})
}

func (r *Runtime) processFailed(p *process.Process, err error) {
	r.opts.Metrics.RecordProcessFailure(p.AppID)
	r.publish(events.ProcessFailed, p.AppID, map[string]any{
		events.KeyPID:   p.PID,
		events.KeyError: err.Error(),
	})
}

func closeEngines(engine *script.Engine, module *wasm.Module) {
	if engine != nil {
		engine.Close()
	}
	if module != nil {
		_ = module.Close(context.Background())
	}
}
