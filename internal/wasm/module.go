// Package wasm runs WebAssembly bundles inside a WASI sandbox. Each app
// gets its own wazero runtime so memory limits apply per app.
package wasm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	mpkerrors "github.com/harunnryd/mpkd/internal/errors"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const (
	PageSize = 65536
	maxPages = 65536

	GuestDataDir  = "/data"
	GuestCacheDir = "/cache"
	GuestTempDir  = "/tmp"
)

type Config struct {
	AppID string
	// MaxMemoryBytes caps linear memory; <= 0 leaves the wazero default.
	MaxMemoryBytes int64

	DataDir  string
	CacheDir string
	TempDir  string

	Args   []string
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
}

// MemoryLimitPages converts a byte quota into whole wasm pages.
func MemoryLimitPages(maxBytes int64) uint32 {
	if maxBytes <= 0 {
		return 0
	}
	pages := maxBytes / PageSize
	if pages < 1 {
		pages = 1
	}
	if pages > maxPages {
		pages = maxPages
	}
	return uint32(pages)
}

type Module struct {
	cfg     Config
	runtime wazero.Runtime

	mu      sync.Mutex
	current api.Module
	closed  bool
}

func New(ctx context.Context, cfg Config) (*Module, error) {
	rtCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if pages := MemoryLimitPages(cfg.MaxMemoryBytes); pages > 0 {
		rtCfg = rtCfg.WithMemoryLimitPages(pages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	return &Module{cfg: cfg, runtime: rt}, nil
}

func (m *Module) moduleConfig(name string) wazero.ModuleConfig {
	fsCfg := wazero.NewFSConfig()
	for host, guest := range map[string]string{
		m.cfg.DataDir:  GuestDataDir,
		m.cfg.CacheDir: GuestCacheDir,
		m.cfg.TempDir:  GuestTempDir,
	} {
		if host != "" {
			fsCfg = fsCfg.WithDirMount(host, guest)
		}
	}

	modCfg := wazero.NewModuleConfig().
		WithName(name).
		WithArgs(append([]string{name}, m.cfg.Args...)...).
		WithFSConfig(fsCfg).
		WithSysWalltime().
		WithSysNanotime().
		// Start functions run explicitly so the instance is visible while
		// they execute.
		WithStartFunctions()

	keys := make([]string, 0, len(m.cfg.Env))
	for k := range m.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		modCfg = modCfg.WithEnv(k, m.cfg.Env[k])
	}

	if m.cfg.Stdout != nil {
		modCfg = modCfg.WithStdout(m.cfg.Stdout)
	}
	if m.cfg.Stderr != nil {
		modCfg = modCfg.WithStderr(m.cfg.Stderr)
	}
	return modCfg
}

// Run compiles and instantiates code, then runs its WASI entry. A
// command module returns when _start does. A reactor module (no _start)
// stays resident until ctx ends. Cancelling ctx returns ctx.Err().
func (m *Module) Run(ctx context.Context, code []byte, name string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return mpkerrors.Closed("wasm module")
	}
	if m.current != nil {
		m.mu.Unlock()
		return mpkerrors.Conflict(fmt.Sprintf("wasm module %s already running", name))
	}
	m.mu.Unlock()

	compiled, err := m.runtime.CompileModule(ctx, code)
	if err != nil {
		return fmt.Errorf("compile %s: %v: %w", name, err, mpkerrors.ErrInvalidInput)
	}
	defer compiled.Close(context.Background())

	mod, err := m.runtime.InstantiateModule(ctx, compiled, m.moduleConfig(name))
	if err != nil {
		return fmt.Errorf("instantiate %s: %w", name, err)
	}

	m.mu.Lock()
	m.current = mod
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		_ = mod.Close(context.Background())
	}()

	slog.Debug("Wasm module instantiated", "app_id", m.cfg.AppID, "module", name)

	if fn := mod.ExportedFunction("_initialize"); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			return m.callError(ctx, name, err)
		}
	}

	start := mod.ExportedFunction("_start")
	if start == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	if _, err := start.Call(ctx); err != nil {
		return m.callError(ctx, name, err)
	}
	return nil
}

func (m *Module) callError(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *sys.ExitError
	if mpkerrors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			return nil
		}
		return fmt.Errorf("%s exited with code %d: %w", name, exitErr.ExitCode(), mpkerrors.ErrProcess)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// MemoryUsage reports the linear memory of the running instance.
func (m *Module) MemoryUsage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0
	}
	mem := m.current.Memory()
	if mem == nil {
		return 0
	}
	return int64(mem.Size())
}

// Close releases the runtime and anything still instantiated in it.
func (m *Module) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.runtime.Close(ctx)
}
