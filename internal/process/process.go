// Package process tracks the runtime processes of sandboxed apps.
package process

import (
	"context"
	"sync"
	"time"
)

type Type string

const (
	TypeNative  Type = "NATIVE"
	TypeScript  Type = "SCRIPT"
	TypeVirtual Type = "VIRTUAL"
)

// State only moves forward: CREATED, RUNNING, then STOPPED or FAILED.
type State string

const (
	StateCreated State = "CREATED"
	StateRunning State = "RUNNING"
	StateStopped State = "STOPPED"
	StateFailed  State = "FAILED"
)

// ScriptFunc is the body of a SCRIPT process. It should return when ctx is
// cancelled.
type ScriptFunc func(ctx context.Context) error

// Process is one entry in the supervisor's table. The exported fields
// describe what to run and are read by Start; set them before starting.
type Process struct {
	PID   int64
	Name  string
	AppID string
	Type  Type

	WorkDir string
	Env     map[string]string
	Command []string
	Script  ScriptFunc

	mu        sync.Mutex
	state     State
	createdAt time.Time
	startTime time.Time
	stopTime  time.Time
	exitCode  int
	err       error
	handle    Handle
	stopping  bool
}

// Snapshot is a copy of a process's state, safe to serialize.
type Snapshot struct {
	PID       int64     `json:"pid"`
	OSPID     int       `json:"os_pid,omitempty"`
	Name      string    `json:"name"`
	AppID     string    `json:"app_id"`
	Type      Type      `json:"type"`
	State     State     `json:"state"`
	StartTime time.Time `json:"start_time,omitempty"`
	StopTime  time.Time `json:"stop_time,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
}

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Process) StartTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startTime
}

func (p *Process) StopTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopTime
}

// Err is the start failure of a FAILED process.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// OSPID is the host pid of a started NATIVE process, or zero.
func (p *Process) OSPID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return 0
	}
	return p.handle.Pid()
}

func (p *Process) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{
		PID:       p.PID,
		Name:      p.Name,
		AppID:     p.AppID,
		Type:      p.Type,
		State:     p.state,
		StartTime: p.startTime,
		StopTime:  p.stopTime,
		ExitCode:  p.exitCode,
	}
	if p.handle != nil {
		s.OSPID = p.handle.Pid()
	}
	if p.err != nil {
		s.Error = p.err.Error()
	}
	return s
}

func (p *Process) envList() []string {
	out := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		out = append(out, k+"="+v)
	}
	return out
}
