package sandbox

import "github.com/harunnryd/mpkd/internal/policy"

// Monitor is the part of a resource monitor the manager needs to shut it
// down before the sandbox tree is removed.
type Monitor interface {
	Stop()
	Done() <-chan struct{}
}

// Manager owns the per-app sandbox directories.
type Manager interface {
	CreateSandbox(appID string, limits policy.ResourceLimits, level policy.IsolationLevel) (*Environment, error)
	AttachMonitor(appID string, m Monitor) bool
	DeleteSandbox(appID string) bool
	ClearCache(appID string) bool
	ClearTemp(appID string) bool
	StorageUsage(appID string) int64
	// LastStorageUsage returns the cached size from the latest walk.
	LastStorageUsage(appID string) (int64, bool)
	Get(appID string) (*Environment, bool)
	List() []*Environment
}
