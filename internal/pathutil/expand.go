package pathutil

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Expand resolves $VAR, ${VAR} and a leading ~ in a host path and cleans
// the result. A blank path stays empty.
func Expand(p string) (string, error) {
	expanded := os.ExpandEnv(strings.TrimSpace(p))
	if expanded == "" {
		return "", nil
	}

	if rest, ok := strings.CutPrefix(expanded, "~"); ok && (rest == "" || os.IsPathSeparator(rest[0])) {
		home, err := HomeDir()
		if err != nil {
			return "", err
		}
		expanded = filepath.Join(home, rest)
	}
	return filepath.Clean(expanded), nil
}

// HomeDir returns the current user's home directory. Values that are
// themselves unexpanded ("~", "~/x") are skipped.
func HomeDir() (string, error) {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, home)
	}
	if u, err := user.Current(); err == nil {
		candidates = append(candidates, u.HomeDir)
	}

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c != "" && !strings.HasPrefix(c, "~") {
			return c, nil
		}
	}
	return "", fmt.Errorf("resolve home dir: no usable home directory")
}
