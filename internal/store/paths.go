package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/mpkd/internal/pathutil"
)

// ResolveDataRoot resolves the configured data root.
// If empty, it falls back to ~/.mpkd.
func ResolveDataRoot(dataRoot string) (string, error) {
	if trimmed := strings.TrimSpace(dataRoot); trimmed != "" {
		return pathutil.Expand(trimmed)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mpkd"), nil
}

func under(dataRoot string, parts ...string) (string, error) {
	root, err := ResolveDataRoot(dataRoot)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{root}, parts...)...), nil
}

// GetLockPath returns the single-instance lock file path.
func GetLockPath(dataRoot string) (string, error) {
	return under(dataRoot, LockFileName)
}

// GetSandboxesDir returns the default parent of per-app sandboxes.
func GetSandboxesDir(dataRoot string) (string, error) {
	return under(dataRoot, "sandboxes")
}

// GetAppsDir returns the default autoload directory for bundles.
func GetAppsDir(dataRoot string) (string, error) {
	return under(dataRoot, "apps")
}

// GetAuditPath returns the mitigation audit log path.
func GetAuditPath(dataRoot string) (string, error) {
	return under(dataRoot, "audit", "mitigations.jsonl")
}

// GetPermissionsPath returns the permission registry snapshot path.
func GetPermissionsPath(dataRoot string) (string, error) {
	return under(dataRoot, "permissions.json")
}
