package process

import (
	"context"
	"errors"
	"sync"
)

type fakeHandle struct {
	pid       int
	exited    chan struct{}
	once      sync.Once
	code      int
	stubborn  bool
	terminate int
	mu        sync.Mutex
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, exited: make(chan struct{})}
}

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.mu.Lock()
		h.code = code
		h.mu.Unlock()
		close(h.exited)
	})
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminate++
	stubborn := h.stubborn
	h.mu.Unlock()
	if !stubborn {
		h.exit(143)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.exit(137)
	return nil
}

func (h *fakeHandle) Exited() <-chan struct{} { return h.exited }

func (h *fakeHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

type fakeSpawner struct {
	mu      sync.Mutex
	handles []*fakeHandle
	specs   []Spec
	fail    bool
	next    int
	// stubborn handles ignore Terminate
	stubborn bool
}

func (s *fakeSpawner) Spawn(_ context.Context, spec Spec) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("exec format error")
	}
	s.next++
	h := newFakeHandle(9000 + s.next)
	h.stubborn = s.stubborn
	s.handles = append(s.handles, h)
	s.specs = append(s.specs, spec)
	return h, nil
}

func (s *fakeSpawner) last() *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[len(s.handles)-1]
}

type callbackLog struct {
	mu      sync.Mutex
	started []int64
	stopped []int64
	failed  []int64
}

func (c *callbackLog) callbacks() Callbacks {
	return Callbacks{
		OnStarted: func(p *Process) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.started = append(c.started, p.PID)
		},
		OnStopped: func(p *Process) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.stopped = append(c.stopped, p.PID)
		},
		OnFailed: func(p *Process, _ error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.failed = append(c.failed, p.PID)
		},
	}
}

func (c *callbackLog) stoppedCount(pid int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, id := range c.stopped {
		if id == pid {
			n++
		}
	}
	return n
}
