package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/mpkd/internal/config"
	"github.com/harunnryd/mpkd/internal/daemon"
	"github.com/harunnryd/mpkd/internal/store"
)

// DataLockComponent holds the data-root lock for the daemon's lifetime.
type DataLockComponent struct {
	instance string
	dataRoot string
	storeCfg *config.StoreConfig
	lock     *store.FileLock
	resolved string
	mu       sync.RWMutex
	started  bool
}

func NewDataLockComponent(instance, dataRoot string, storeCfg *config.StoreConfig) *DataLockComponent {
	return &DataLockComponent{
		instance: instance,
		dataRoot: dataRoot,
		storeCfg: storeCfg,
	}
}

func (l *DataLockComponent) Name() string {
	return "DataLock"
}

func (l *DataLockComponent) Dependencies() []string {
	return []string{}
}

func (l *DataLockComponent) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("DataLock init cancelled: %w", ctx.Err())
	default:
	}

	root, err := store.ResolveDataRoot(l.dataRoot)
	if err != nil {
		return fmt.Errorf("resolve data root: %w", err)
	}

	lockCfg := store.DefaultFileLockConfig()
	if l.storeCfg != nil {
		lockCfg = store.FileLockConfigFrom(*l.storeCfg)
	}

	lock, err := store.NewFileLock(l.instance, root, lockCfg)
	if err != nil {
		return fmt.Errorf("acquire data root lock: %w", err)
	}

	l.lock = lock
	l.resolved = root
	slog.Info("DataLock initialized", "component", l.Name(), "data_root", root)
	return nil
}

func (l *DataLockComponent) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lock == nil {
		return fmt.Errorf("DataLock not initialized")
	}
	l.started = true
	return nil
}

func (l *DataLockComponent) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lock == nil {
		slog.Info("DataLock not held, skipping stop", "component", l.Name())
		return nil
	}

	l.lock.Unlock()
	l.lock = nil
	l.started = false
	slog.Info("DataLock stopped", "component", l.Name())
	return nil
}

func (l *DataLockComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.lock == nil || !l.lock.IsLocked() {
		return daemon.Unhealthy(l.Name(), fmt.Errorf("lock not held")), nil
	}

	return daemon.Healthy(l.Name()), nil
}

// DataRoot returns the resolved data root once the lock is held.
func (l *DataLockComponent) DataRoot() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.resolved
}
