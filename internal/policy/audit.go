package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/mpkd/internal/logger"
)

// AuditLogger records escalation decisions taken against sandboxed apps.
type AuditLogger interface {
	Log(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, filter *AuditFilter) ([]*AuditEntry, error)
}

// FileAuditLogger appends JSON lines to a file, keeping at most one rotated
// generation next to it.
type FileAuditLogger struct {
	mu       sync.RWMutex
	path     string
	maxBytes int64
}

// NewAuditLogger returns a logger for p. A nil or disabled policy yields a
// logger that drops every entry.
func NewAuditLogger(p *AuditPolicy) (*FileAuditLogger, error) {
	if p == nil || !p.Enabled || p.Path == "" {
		return &FileAuditLogger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0755); err != nil {
		return nil, err
	}
	return &FileAuditLogger{path: p.Path, maxBytes: p.MaxBytes}, nil
}

func (al *FileAuditLogger) enabled() bool { return al.path != "" }

func (al *FileAuditLogger) rotatedPath() string { return al.path + ".1" }

func (al *FileAuditLogger) Log(ctx context.Context, entry *AuditEntry) error {
	if !al.enabled() {
		return nil
	}
	if entry == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.AppID == "" {
		entry.AppID = logger.GetAppID(ctx)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	al.mu.Lock()
	defer al.mu.Unlock()

	if err := al.rotateLocked(int64(len(line))); err != nil {
		slog.Warn("Audit log rotation failed", "path", al.path, "error", err)
	}

	f, err := os.OpenFile(al.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}

	slog.Debug("Audit entry logged", "app_id", entry.AppID, "resource", entry.Resource, "actions", entry.Actions)
	return nil
}

// rotateLocked moves the current file aside when appending next bytes would
// push it past maxBytes.
func (al *FileAuditLogger) rotateLocked(next int64) error {
	if al.maxBytes <= 0 {
		return nil
	}
	info, err := os.Stat(al.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() == 0 || info.Size()+next <= al.maxBytes {
		return nil
	}
	return os.Rename(al.path, al.rotatedPath())
}

// Query returns matching entries oldest first, reading the rotated
// generation before the current file.
func (al *FileAuditLogger) Query(ctx context.Context, filter *AuditFilter) ([]*AuditEntry, error) {
	entries := []*AuditEntry{}
	if !al.enabled() {
		return entries, nil
	}

	al.mu.RLock()
	defer al.mu.RUnlock()

	for _, path := range []string{al.rotatedPath(), al.path} {
		var err error
		entries, err = readAuditFile(ctx, path, filter, entries)
		if err != nil {
			return nil, err
		}
	}

	if filter != nil && filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[len(entries)-filter.Limit:]
	}
	return entries, nil
}

func readAuditFile(ctx context.Context, path string, filter *AuditFilter, out []*AuditEntry) ([]*AuditEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var entry AuditEntry
		err := dec.Decode(&entry)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			// A torn tail line is the only expected damage; stop there.
			slog.Warn("Stopped reading damaged audit log", "path", path, "offset", dec.InputOffset(), "error", err)
			return out, nil
		}
		if filter.Match(&entry) {
			out = append(out, &entry)
		}
	}
}
