package process

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Handle controls a started process.
type Handle interface {
	// Pid is the host pid, or zero when there is none.
	Pid() int
	// Terminate asks the process to exit.
	Terminate() error
	// Kill ends the process without waiting for cooperation.
	Kill() error
	// Exited is closed once the process has ended.
	Exited() <-chan struct{}
	// ExitCode is valid once Exited is closed.
	ExitCode() int
}

type Spec struct {
	Command []string
	Dir     string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Spawner starts host processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

// ExecSpawner starts processes with os/exec in their own process group so
// termination reaches children too.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command[0], err)
	}

	h := &execHandle{cmd: cmd, exited: make(chan struct{})}
	go h.wait()
	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	exited chan struct{}

	mu   sync.Mutex
	code int
}

func (h *execHandle) wait() {
	_ = h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Lock()
	h.code = code
	h.mu.Unlock()
	close(h.exited)
}

func (h *execHandle) Pid() int { return h.cmd.Process.Pid }

func (h *execHandle) Terminate() error { return terminate(h.cmd.Process) }

func (h *execHandle) Kill() error { return kill(h.cmd.Process) }

func (h *execHandle) Exited() <-chan struct{} { return h.exited }

func (h *execHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

// scriptHandle runs a ScriptFunc in a goroutine.
type scriptHandle struct {
	cancel context.CancelFunc
	exited chan struct{}

	mu   sync.Mutex
	code int
}

func startScript(ctx context.Context, fn ScriptFunc, onPanic func(interface{})) *scriptHandle {
	scriptCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &scriptHandle{cancel: cancel, exited: make(chan struct{})}

	go func() {
		defer close(h.exited)
		defer cancel()

		code := 1
		defer func() {
			if r := recover(); r != nil {
				if onPanic != nil {
					onPanic(r)
				}
			}
			h.mu.Lock()
			h.code = code
			h.mu.Unlock()
		}()

		err := fn(scriptCtx)
		if err == nil || scriptCtx.Err() != nil {
			code = 0
		}
	}()
	return h
}

func (h *scriptHandle) Pid() int { return 0 }

func (h *scriptHandle) Terminate() error {
	h.cancel()
	return nil
}

func (h *scriptHandle) Kill() error {
	h.cancel()
	return nil
}

func (h *scriptHandle) Exited() <-chan struct{} { return h.exited }

func (h *scriptHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

var _ Spawner = ExecSpawner{}
