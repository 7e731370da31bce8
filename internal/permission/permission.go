// Package permission records which permissions each loaded app declared.
package permission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	mpkerrors "github.com/harunnryd/mpkd/internal/errors"

	"github.com/natefinch/atomic"
)

const InterAppCommunication = "inter_app_communication"

type Group string

const (
	GroupSystem   Group = "system"
	GroupPlatform Group = "platform"
	GroupCustom   Group = "custom"
)

var catalog = map[string]Group{
	"camera":     GroupSystem,
	"microphone": GroupSystem,
	"location":   GroupSystem,
	"storage":    GroupSystem,
	"contacts":   GroupSystem,
	"calendar":   GroupSystem,
	"phone":      GroupSystem,
	"sms":        GroupSystem,
	"sensors":    GroupSystem,

	"network":              GroupPlatform,
	"bluetooth":            GroupPlatform,
	"nfc":                  GroupPlatform,
	"file_access":          GroupPlatform,
	"notification":         GroupPlatform,
	"background_execution": GroupPlatform,
	"system_settings":      GroupPlatform,
	"app_management":       GroupPlatform,
	InterAppCommunication:  GroupPlatform,
}

// GroupOf classifies a permission name. Names outside the catalog are custom.
func GroupOf(name string) Group {
	if g, ok := catalog[name]; ok {
		return g
	}
	return GroupCustom
}

// Known lists catalog permissions of one group, sorted.
func Known(group Group) []string {
	var out []string
	for name, g := range catalog {
		if g == group {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Registry is safe for concurrent use. When a snapshot path is set every
// change is persisted atomically.
type Registry struct {
	mu       sync.RWMutex
	apps     map[string]map[string]struct{}
	snapshot string
}

func NewRegistry(snapshotPath string) *Registry {
	return &Registry{
		apps:     make(map[string]map[string]struct{}),
		snapshot: snapshotPath,
	}
}

// Load restores a registry from its snapshot. A missing file yields an
// empty registry.
func Load(snapshotPath string) (*Registry, error) {
	r := NewRegistry(snapshotPath)
	if snapshotPath == "" {
		return r, nil
	}

	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, mpkerrors.MapError(err)
	}

	var stored map[string][]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parse permission snapshot %s: %v: %w", snapshotPath, err, mpkerrors.ErrInvalidInput)
	}
	for appID, perms := range stored {
		r.apps[appID] = toSet(perms)
	}
	return r, nil
}

// Register replaces the permission set of appID.
func (r *Registry) Register(appID string, perms []string) error {
	if appID == "" {
		return mpkerrors.InvalidInput("app id is required")
	}

	for _, p := range perms {
		if GroupOf(p) == GroupCustom {
			slog.Warn("App declares unknown permission", "app_id", appID, "permission", p)
		}
	}

	r.mu.Lock()
	r.apps[appID] = toSet(perms)
	r.mu.Unlock()

	slog.Info("Permissions registered", "app_id", appID, "count", len(perms))
	return r.persist()
}

func (r *Registry) Unregister(appID string) error {
	r.mu.Lock()
	_, ok := r.apps[appID]
	delete(r.apps, appID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return r.persist()
}

// Grant adds a single permission, registering the app if needed.
func (r *Registry) Grant(appID, perm string) error {
	if appID == "" || perm == "" {
		return mpkerrors.InvalidInput("app id and permission are required")
	}

	r.mu.Lock()
	set, ok := r.apps[appID]
	if !ok {
		set = make(map[string]struct{})
		r.apps[appID] = set
	}
	set[perm] = struct{}{}
	r.mu.Unlock()
	return r.persist()
}

func (r *Registry) Revoke(appID, perm string) error {
	r.mu.Lock()
	set, ok := r.apps[appID]
	if ok {
		delete(set, perm)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return r.persist()
}

func (r *Registry) Has(appID, perm string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.apps[appID][perm]
	return ok
}

// Granted returns the sorted permissions of appID.
func (r *Registry) Granted(appID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.apps[appID])
}

func (r *Registry) Registered(appID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.apps[appID]
	return ok
}

func (r *Registry) persist() error {
	if r.snapshot == "" {
		return nil
	}

	r.mu.RLock()
	stored := make(map[string][]string, len(r.apps))
	for appID, set := range r.apps {
		stored[appID] = sortedKeys(set)
	}
	r.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(r.snapshot), 0o755); err != nil {
		return mpkerrors.Wrap(mpkerrors.MapError(err), "create permission snapshot dir")
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return mpkerrors.Wrap(err, "encode permission snapshot")
	}
	if err := atomic.WriteFile(r.snapshot, bytes.NewReader(data)); err != nil {
		return mpkerrors.Wrap(mpkerrors.MapError(err), "write permission snapshot")
	}
	return nil
}

func toSet(perms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if p != "" {
			set[p] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
