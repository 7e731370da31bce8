package pathutil

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// NormalizeMember turns a bundle-relative path into canonical form:
// backslashes become slashes and leading slashes are stripped.
func NormalizeMember(p string) string {
	normalized := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	normalized = strings.TrimLeft(normalized, "/")
	if normalized == "" {
		return ""
	}
	cleaned := path.Clean(normalized)
	if cleaned == "." {
		return ""
	}
	return cleaned
}

// SafeJoin joins a bundle-relative member path onto base and rejects any
// result that escapes base.
func SafeJoin(base, member string) (string, error) {
	rel := NormalizeMember(member)
	if rel == "" {
		return "", fmt.Errorf("empty member path")
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path escapes base directory: %s", member)
	}

	cleanBase := filepath.Clean(base)
	target := filepath.Join(cleanBase, filepath.FromSlash(rel))
	if target != cleanBase && !strings.HasPrefix(target, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory: %s", member)
	}
	return target, nil
}
