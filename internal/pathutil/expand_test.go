package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpand_HomeShortcut(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("user home dir: %v", err)
	}

	got, err := Expand("~/.mpkd/sandboxes")
	if err != nil {
		t.Fatalf("expand path: %v", err)
	}

	want := filepath.Join(home, ".mpkd", "sandboxes")
	if got != want {
		t.Fatalf("path mismatch: got %q want %q", got, want)
	}
}

func TestExpand_EnvVar(t *testing.T) {
	t.Setenv("MPKD_PATH_TEST", "/tmp/mpkd-path")

	got, err := Expand("$MPKD_PATH_TEST/apps")
	if err != nil {
		t.Fatalf("expand path: %v", err)
	}
	if got != "/tmp/mpkd-path/apps" {
		t.Fatalf("path mismatch: got %q", got)
	}
}

func TestExpand_Empty(t *testing.T) {
	got, err := Expand("  ")
	if err != nil || got != "" {
		t.Fatalf("expected empty result, got %q (%v)", got, err)
	}
}

func TestExpand_TildeForms(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/", home},
		{"~/apps/../bundles", filepath.Join(home, "bundles")},
		{"~other/apps", "~other/apps"},
		{"${HOME}/x", filepath.Join(home, "x")},
	}
	for _, tt := range tests {
		got, err := Expand(tt.in)
		if err != nil {
			t.Fatalf("Expand(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Expand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeMember(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"code/main.js", "code/main.js"},
		{"/code/main.js", "code/main.js"},
		{"\\code\\lib\\util.py", "code/lib/util.py"},
		{"//assets//icon.png", "assets/icon.png"},
		{"./manifest.json", "manifest.json"},
		{"/", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeMember(tt.in); got != tt.want {
			t.Errorf("NormalizeMember(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSafeJoin(t *testing.T) {
	base := t.TempDir()

	got, err := SafeJoin(base, "/resources/img/logo.png")
	if err != nil {
		t.Fatalf("SafeJoin: %v", err)
	}
	if want := filepath.Join(base, "resources", "img", "logo.png"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	for _, bad := range []string{"../etc/passwd", "a/../../b", "", "..\\x"} {
		if _, err := SafeJoin(base, bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
