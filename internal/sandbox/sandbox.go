package sandbox

import (
	"path/filepath"
	"time"

	"github.com/harunnryd/mpkd/internal/policy"
)

const (
	DataDir   = "data"
	CacheDir  = "cache"
	TempDir   = "temp"
	SharedDir = "shared"

	// MetadataFile is written atomically into every sandbox root.
	MetadataFile = "sandbox.json"
)

// Environment is the directory tree and limit set of one sandboxed app.
// Limits never change after creation.
type Environment struct {
	AppID      string                `json:"app_id"`
	InstanceID string                `json:"instance_id"`
	Root       string                `json:"root"`
	Data       string                `json:"data"`
	Cache      string                `json:"cache"`
	Temp       string                `json:"temp"`
	Shared     string                `json:"shared"`
	Limits     policy.ResourceLimits `json:"limits"`
	Isolation  policy.IsolationLevel `json:"isolation_level"`
	CreatedAt  time.Time             `json:"created_at"`
}

func newEnvironment(baseDir, appID string) *Environment {
	root := filepath.Join(baseDir, appID)
	return &Environment{
		AppID:  appID,
		Root:   root,
		Data:   filepath.Join(root, DataDir),
		Cache:  filepath.Join(root, CacheDir),
		Temp:   filepath.Join(root, TempDir),
		Shared: filepath.Join(root, SharedDir),
	}
}

func (e *Environment) dirs() []string {
	return []string{e.Data, e.Cache, e.Temp, e.Shared}
}
