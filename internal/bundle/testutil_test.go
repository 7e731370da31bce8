package bundle

import (
	"path/filepath"
	"testing"

	"github.com/harunnryd/mpkd/internal/policy"
)

func int64p(v int64) *int64 { return &v }

func samplePackage() *Package {
	return &Package{
		FormatVersion:      SupportedFormatVersion,
		ID:                 "com.example.notes",
		Name:               "Notes",
		Version:            Version{Name: "1.4.0", Code: 14, HasCode: true},
		Platform:           "mpk",
		MinPlatformVersion: "3.0",
		CodeType:           CodeJavaScript,
		EntryPoint:         "main.js",
		Description:        "Take notes",
		Author:             &Author{Name: "Ada", Email: "ada@example.com"},
		Icon:               "assets/icon.png",
		Permissions:        []string{"storage", "inter_app_communication"},
		Dependencies:       []Dependency{{Name: "runtime", Version: "2"}},
		Sandbox: &policy.Overrides{
			MaxStorage:        int64p(1000),
			MonitorIntervalMs: int64p(250),
		},
	}
}

func writeBundle(t *testing.T, b *Builder) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.mpk")
	if err := b.WriteFile(path); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return path
}
