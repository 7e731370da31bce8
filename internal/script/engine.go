// Package script runs javascript bundles on an embedded goja runtime.
// Only the control surface the sandbox needs is exposed: running code,
// calling exported functions, memory reporting and GC requests.
package script

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mpkerrors "github.com/harunnryd/mpkd/internal/errors"

	"github.com/dop251/goja"
)

const (
	DefaultTimeout = 30 * time.Second

	// baselineMemory approximates an empty goja runtime.
	baselineMemory = 512 * 1024
	// sourceOverhead scales loaded source size to an estimate of the
	// compiled program and its heap.
	sourceOverhead = 4
)

// SendFunc delivers a message from the script to another app.
type SendFunc func(ctx context.Context, to, msgType string, data any) error

type Config struct {
	AppID   string
	Timeout time.Duration
	Send    SendFunc
}

// Engine is one isolated VM per app. Calls are serialized.
type Engine struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	cfg     Config
	handler goja.Callable
	sendCtx context.Context

	sourceBytes atomic.Int64
	gcRequests  atomic.Int64
	closed      atomic.Bool
}

func New(cfg Config) (*Engine, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	e := &Engine{
		vm:      goja.New(),
		cfg:     cfg,
		sendCtx: context.Background(),
	}
	e.vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	e.vm.SetMaxCallStackSize(1024)

	if err := e.setupGlobals(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) setupGlobals() error {
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := e.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	console := e.vm.NewObject()
	for level, lvl := range map[string]slog.Level{
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		if err := console.Set(level, e.consoleFunc(lvl)); err != nil {
			return err
		}
	}
	if err := e.vm.Set("console", console); err != nil {
		return err
	}

	mpk := e.vm.NewObject()
	_ = mpk.Set("appId", e.cfg.AppID)
	_ = mpk.Set("onMessage", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(e.vm.NewTypeError("onMessage expects a function"))
		}
		e.handler = fn
		return goja.Undefined()
	})
	_ = mpk.Set("send", func(call goja.FunctionCall) goja.Value {
		if e.cfg.Send == nil {
			panic(e.vm.NewGoError(fmt.Errorf("messaging is not available")))
		}
		to := call.Argument(0).String()
		msgType := call.Argument(1).String()
		data := call.Argument(2).Export()
		if err := e.cfg.Send(e.sendCtx, to, msgType, data); err != nil {
			panic(e.vm.NewGoError(err))
		}
		return e.vm.ToValue(true)
	})
	return e.vm.Set("mpk", mpk)
}

func (e *Engine) consoleFunc(level slog.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		slog.Log(context.Background(), level, "Script console",
			"app_id", e.cfg.AppID, "message", strings.Join(parts, " "))
		return goja.Undefined()
	}
}

// ExecuteScript compiles and runs source under name. Execution is
// interrupted when ctx ends or the configured timeout passes.
func (e *Engine) ExecuteScript(ctx context.Context, source, name string) (any, error) {
	if e.closed.Load() {
		return nil, mpkerrors.Closed("script engine")
	}

	program, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %v: %w", name, err, mpkerrors.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stop := e.watch(ctx)
	defer stop()

	val, err := e.vm.RunProgram(program)
	if err != nil {
		return nil, e.runError(name, err)
	}
	e.sourceBytes.Add(int64(len(source)))
	return export(val), nil
}

// CallFunction calls a global function defined by previously executed code.
func (e *Engine) CallFunction(ctx context.Context, name string, args ...any) (any, error) {
	if e.closed.Load() {
		return nil, mpkerrors.Closed("script engine")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fn, ok := goja.AssertFunction(e.vm.Get(name))
	if !ok {
		return nil, mpkerrors.NotFound(fmt.Sprintf("script function %s", name))
	}

	stop := e.watch(ctx)
	defer stop()

	jsArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		jsArgs[i] = e.vm.ToValue(arg)
	}

	val, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, e.runError(name, err)
	}
	return export(val), nil
}

// Deliver hands an inbound message to the handler registered with
// mpk.onMessage. It reports false when no handler is registered.
func (e *Engine) Deliver(ctx context.Context, from, msgType string, data any) (bool, error) {
	if e.closed.Load() {
		return false, mpkerrors.Closed("script engine")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handler == nil {
		return false, nil
	}

	stop := e.watch(ctx)
	defer stop()

	msg := e.vm.NewObject()
	_ = msg.Set("from", from)
	_ = msg.Set("type", msgType)
	_ = msg.Set("data", data)
	if _, err := e.handler(goja.Undefined(), msg); err != nil {
		return true, e.runError("onMessage", err)
	}
	return true, nil
}

// Listening reports whether the script registered a message handler.
func (e *Engine) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler != nil
}

// TriggerGC asks the host collector to reclaim memory released by the
// script. goja has no collector of its own.
func (e *Engine) TriggerGC() {
	e.gcRequests.Add(1)
	runtime.GC()
	slog.Debug("Script GC requested", "app_id", e.cfg.AppID)
}

// GCRequests counts TriggerGC calls.
func (e *Engine) GCRequests() int64 {
	return e.gcRequests.Load()
}

// MemoryUsage is an estimate: goja does not account heap per runtime, so
// the figure grows with the amount of code loaded.
func (e *Engine) MemoryUsage() int64 {
	if e.closed.Load() {
		return 0
	}
	return baselineMemory + e.sourceBytes.Load()*sourceOverhead
}

// Interrupt aborts whatever the VM is running.
func (e *Engine) Interrupt(reason string) {
	e.vm.Interrupt(reason)
}

// Close interrupts running code and makes every later call fail.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.vm.Interrupt("engine closed")
}

func (e *Engine) watch(ctx context.Context) func() {
	if ctx == nil {
		ctx = context.Background()
	}
	e.sendCtx = ctx

	done := make(chan struct{})
	exited := make(chan struct{})
	timer := time.NewTimer(e.cfg.Timeout)
	go func() {
		defer close(exited)
		select {
		case <-timer.C:
			e.vm.Interrupt("execution timeout exceeded")
		case <-ctx.Done():
			e.vm.Interrupt("context cancelled")
		case <-done:
		}
	}()

	return func() {
		timer.Stop()
		close(done)
		<-exited
		// A late interrupt must not leak into the next call.
		e.vm.ClearInterrupt()
		e.sendCtx = context.Background()
	}
}

func (e *Engine) runError(name string, err error) error {
	var interrupted *goja.InterruptedError
	if mpkerrors.As(err, &interrupted) {
		e.vm.ClearInterrupt()
		return fmt.Errorf("%s interrupted: %v: %w", name, interrupted.Value(), mpkerrors.ErrTransient)
	}
	return fmt.Errorf("%s: %w", name, err)
}

func export(val goja.Value) any {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	return val.Export()
}
