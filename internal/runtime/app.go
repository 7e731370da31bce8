package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/mpkd/internal/bundle"
	"github.com/harunnryd/mpkd/internal/monitor"
	"github.com/harunnryd/mpkd/internal/sandbox"
	"github.com/harunnryd/mpkd/internal/script"
	"github.com/harunnryd/mpkd/internal/wasm"
)

// app is the runtime's record of one loaded bundle.
type app struct {
	id          string
	reader      *bundle.Reader
	pkg         *bundle.Package
	env         *sandbox.Environment
	monitor     *monitor.Monitor
	unsubscribe func()
	loadedAt    time.Time

	// undelivered counts messages for apps with no script to receive them.
	undelivered atomic.Int64

	mu        sync.Mutex
	running   bool
	stopping  bool
	startedAt time.Time
	engine    *script.Engine
	module    *wasm.Module
}

func (a *app) isRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *app) scriptEngine() *script.Engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine
}

// scriptMemory is memory held by in-process engines, which no OS process
// accounts for.
func (a *app) scriptMemory() int64 {
	a.mu.Lock()
	engine, module := a.engine, a.module
	a.mu.Unlock()

	var total int64
	if engine != nil {
		total += engine.MemoryUsage()
	}
	if module != nil {
		total += module.MemoryUsage()
	}
	return total
}
