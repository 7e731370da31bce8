package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/mpkd/internal/config"
	mpkerrors "github.com/harunnryd/mpkd/internal/errors"

	"github.com/gofrs/flock"
)

// LockFileName is the name of the single-instance lock inside the data root.
const LockFileName = "mpkd.lock"

// LockInfo is the holder record written into the lock file.
type LockInfo struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (i *LockInfo) String() string {
	if i == nil {
		return "unknown holder"
	}
	return fmt.Sprintf("%s (pid %d, since %s)", i.Owner, i.PID, i.AcquiredAt.Format(time.RFC3339))
}

// FileLock gives one runtime exclusive ownership of a data root. The daemon
// and `mpkd run` both take it, so two runtimes never share a sandbox tree.
type FileLock struct {
	fileLock *flock.Flock
	lockPath string
	info     LockInfo
	mu       sync.RWMutex
}

type FileLockConfig struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
}

func DefaultFileLockConfig() *FileLockConfig {
	return &FileLockConfig{
		LockTimeout:  config.MustDuration(config.DefaultStoreLockTimeout, config.DefaultStoreLockTimeout),
		LockRetry:    config.MustDuration(config.DefaultStoreLockRetry, config.DefaultStoreLockRetry),
		LockMaxRetry: config.DefaultStoreLockMaxRetry,
	}
}

// FileLockConfigFrom builds a lock config from the store section, falling
// back to defaults for unparsable durations.
func FileLockConfigFrom(cfg config.StoreConfig) *FileLockConfig {
	out := DefaultFileLockConfig()
	if d, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultStoreLockTimeout); err == nil {
		out.LockTimeout = d
	}
	if d, err := config.DurationOrDefault(cfg.LockRetry, config.DefaultStoreLockRetry); err == nil {
		out.LockRetry = d
	}
	if cfg.LockMaxRetry > 0 {
		out.LockMaxRetry = cfg.LockMaxRetry
	}
	return out
}

// budget is the total time spent retrying: the timeout, capped by the retry
// count.
func (c *FileLockConfig) budget() time.Duration {
	total := c.LockTimeout
	if c.LockMaxRetry > 0 && c.LockRetry > 0 {
		if byCount := time.Duration(c.LockMaxRetry) * c.LockRetry; total <= 0 || byCount < total {
			total = byCount
		}
	}
	return total
}

// NewFileLock acquires dataRoot/mpkd.lock for owner, retrying until the
// config's budget runs out. A conflict names the current holder.
func NewFileLock(owner, dataRoot string, cfg *FileLockConfig) (*FileLock, error) {
	if cfg == nil {
		cfg = DefaultFileLockConfig()
	}
	if err := os.MkdirAll(dataRoot, 0755); err != nil {
		return nil, fmt.Errorf("create data root: %w", mpkerrors.MapError(err))
	}

	lockPath := filepath.Join(dataRoot, LockFileName)
	fl := &FileLock{
		fileLock: flock.New(lockPath),
		lockPath: lockPath,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.budget())
	defer cancel()

	locked, err := fl.fileLock.TryLockContext(ctx, cfg.LockRetry)
	if !locked {
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to attempt lock: %w", err)
		}
		holder, _ := ReadLockInfo(dataRoot)
		return nil, fmt.Errorf("data root %s is locked by another instance: %s: %w",
			dataRoot, holder, mpkerrors.ErrConflict)
	}

	fl.info = LockInfo{Owner: owner, PID: os.Getpid(), AcquiredAt: time.Now()}
	if err := fl.writeInfo(); err != nil {
		slog.Warn("Failed to record lock holder", "path", lockPath, "error", err)
	}

	slog.Info("Data root locked", "owner", owner, "path", lockPath)
	return fl, nil
}

// writeInfo rewrites the lock file in place. Replacing the file would leave
// the flock on an unlinked inode.
func (fl *FileLock) writeInfo() error {
	data, err := json.Marshal(fl.info)
	if err != nil {
		return err
	}
	return os.WriteFile(fl.lockPath, data, 0644)
}

// ReadLockInfo returns the last holder recorded in dataRoot's lock file.
// The record outlives the holder, so it says nothing about whether the lock
// is currently held.
func ReadLockInfo(dataRoot string) (*LockInfo, error) {
	data, err := os.ReadFile(filepath.Join(dataRoot, LockFileName))
	if err != nil {
		return nil, mpkerrors.MapError(err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", mpkerrors.ErrInvalidInput)
	}
	return &info, nil
}

// Path returns the lock file location.
func (fl *FileLock) Path() string {
	return fl.lockPath
}

// Info returns the holder record of this lock.
func (fl *FileLock) Info() LockInfo {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.info
}

// Unlock releases the lock. Calling it twice is harmless.
func (fl *FileLock) Unlock() {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.fileLock == nil {
		return
	}

	if err := fl.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release data root lock", "owner", fl.info.Owner, "path", fl.lockPath, "error", err)
	} else {
		slog.Info("Data root unlocked",
			"owner", fl.info.Owner,
			"path", fl.lockPath,
			"held_duration_ms", time.Since(fl.info.AcquiredAt).Milliseconds(),
		)
	}
	fl.fileLock = nil
}

func (fl *FileLock) IsLocked() bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.fileLock != nil
}

func (fl *FileLock) HeldDuration() time.Duration {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	if fl.fileLock == nil {
		return 0
	}
	return time.Since(fl.info.AcquiredAt)
}

// CleanupStaleLocks looks at a lock file nobody holds. When its record is
// older than maxAge it is reported, and removed if forceCleanup is set. A
// lock file that is currently held is never touched.
func CleanupStaleLocks(dataRoot string, maxAge time.Duration, forceCleanup bool) error {
	lockPath := filepath.Join(dataRoot, LockFileName)
	stat, err := os.Stat(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	probe := flock.New(lockPath)
	free, err := probe.TryLock()
	if err != nil {
		return fmt.Errorf("probe lock: %w", err)
	}
	if !free {
		slog.Debug("Lock file is held", "path", lockPath)
		return nil
	}
	defer probe.Unlock()

	since := stat.ModTime()
	if info, err := ReadLockInfo(dataRoot); err == nil && !info.AcquiredAt.IsZero() {
		since = info.AcquiredAt
	}
	age := time.Since(since)
	if age <= maxAge {
		return nil
	}

	slog.Warn("Found stale lock file", "path", lockPath, "age", age, "max_age", maxAge)
	if !forceCleanup {
		slog.Info("Stale lock detected but not cleaning (use --force-clean-locks to remove)", "path", lockPath)
		return nil
	}

	if err := os.Remove(lockPath); err != nil {
		slog.Error("Failed to remove stale lock file", "path", lockPath, "error", err)
		return err
	}
	slog.Info("Stale lock file removed", "path", lockPath)
	return nil
}
