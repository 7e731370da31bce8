package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	// We pass nil for cmd to skip flags
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("Expected default port %d, got %d", DefaultServerPort, cfg.Server.Port)
	}
	if cfg.Sandbox.MaxStorageBytes != DefaultSandboxMaxStorageBytes {
		t.Errorf("Expected default max storage %d, got %d", DefaultSandboxMaxStorageBytes, cfg.Sandbox.MaxStorageBytes)
	}
	if cfg.Sandbox.MaxProcesses != DefaultSandboxMaxProcesses {
		t.Errorf("Expected default max processes %d, got %d", DefaultSandboxMaxProcesses, cfg.Sandbox.MaxProcesses)
	}
	if cfg.Sandbox.MaxMemoryBytes != DefaultSandboxMaxMemoryBytes {
		t.Errorf("Expected default max memory %d, got %d", DefaultSandboxMaxMemoryBytes, cfg.Sandbox.MaxMemoryBytes)
	}
	if cfg.Sandbox.MaxCPUPercent != DefaultSandboxMaxCPUPercent {
		t.Errorf("Expected default max cpu %d, got %d", DefaultSandboxMaxCPUPercent, cfg.Sandbox.MaxCPUPercent)
	}
	if cfg.Sandbox.MaxNetworkBytes != DefaultSandboxMaxNetworkBytes {
		t.Errorf("Expected default max network %d, got %d", DefaultSandboxMaxNetworkBytes, cfg.Sandbox.MaxNetworkBytes)
	}
	if cfg.Sandbox.MonitorIntervalMs != DefaultSandboxMonitorIntervalMs {
		t.Errorf("Expected default monitor interval %d, got %d", DefaultSandboxMonitorIntervalMs, cfg.Sandbox.MonitorIntervalMs)
	}
	if cfg.Monitor.WarningThreshold != DefaultMonitorWarningThreshold {
		t.Errorf("Expected default warning threshold %d, got %d", DefaultMonitorWarningThreshold, cfg.Monitor.WarningThreshold)
	}
	if cfg.Monitor.WarningCooldown != DefaultMonitorWarningCooldown {
		t.Errorf("Expected default warning cooldown %s, got %s", DefaultMonitorWarningCooldown, cfg.Monitor.WarningCooldown)
	}
	if cfg.Process.Capacity != DefaultProcessCapacity {
		t.Errorf("Expected default process capacity %d, got %d", DefaultProcessCapacity, cfg.Process.Capacity)
	}
	if cfg.Process.Interpreters["python"] != "python3 -u" {
		t.Errorf("Expected python interpreter, got %q", cfg.Process.Interpreters["python"])
	}
	if cfg.Runtime.WarningEscalation != DefaultRuntimeWarningEscalation {
		t.Errorf("Expected default warning escalation %d, got %d", DefaultRuntimeWarningEscalation, cfg.Runtime.WarningEscalation)
	}
	if cfg.Messaging.Driver != DefaultMessagingDriver {
		t.Errorf("Expected default messaging driver %s, got %s", DefaultMessagingDriver, cfg.Messaging.Driver)
	}

	wantRoot := filepath.Join(home, ".mpkd", "sandboxes")
	if cfg.Sandbox.Root != wantRoot {
		t.Errorf("Expected sandbox root %s, got %s", wantRoot, cfg.Sandbox.Root)
	}
}

func TestLoadWithConfigFlag(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := []byte(`
server:
  port: 9090
sandbox:
  max_storage_bytes: 1000
  isolation_level: strict
process:
  interpreters:
    python: /usr/bin/python3
`)
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", configPath); err != nil {
		t.Fatalf("failed to set config flag: %v", err)
	}

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("failed to load config with --config: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxStorageBytes != 1000 {
		t.Fatalf("expected max storage 1000, got %d", cfg.Sandbox.MaxStorageBytes)
	}
	if cfg.Sandbox.IsolationLevel != "strict" {
		t.Fatalf("expected isolation strict, got %s", cfg.Sandbox.IsolationLevel)
	}
	if cfg.Process.Interpreters["python"] != "/usr/bin/python3" {
		t.Fatalf("expected python override, got %q", cfg.Process.Interpreters["python"])
	}
}

func TestLoadWithMissingConfigFlagReturnsError(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("failed to set config flag: %v", err)
	}

	if _, err := Load(cmd); err == nil {
		t.Fatal("expected error when --config points to missing file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MPKD_MONITOR_WARNING_COOLDOWN", "30s")
	t.Setenv("MPKD_MESSAGING_NATS_URL", "nats://bus:4222")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Monitor.WarningCooldown != "30s" {
		t.Fatalf("warning cooldown = %q, want 30s", cfg.Monitor.WarningCooldown)
	}
	if cfg.Messaging.NATSURL != "nats://bus:4222" {
		t.Fatalf("nats url = %q, want nats://bus:4222", cfg.Messaging.NATSURL)
	}
}

func TestLoad_ExpandsConfiguredPaths(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configPath := filepath.Join(tmpDir, "config.yaml")
	content := []byte(`
sandbox:
  root: ~/apps/sandboxes
runtime:
  apps_dir: ~/apps/bundles
`)
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", configPath); err != nil {
		t.Fatalf("set config flag: %v", err)
	}

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if want := filepath.Join(tmpDir, "apps", "sandboxes"); cfg.Sandbox.Root != want {
		t.Fatalf("sandbox root = %q, want %q", cfg.Sandbox.Root, want)
	}
	if want := filepath.Join(tmpDir, "apps", "bundles"); cfg.Runtime.AppsDir != want {
		t.Fatalf("apps dir = %q, want %q", cfg.Runtime.AppsDir, want)
	}
}

func TestDurationOrDefault(t *testing.T) {
	d, err := DurationOrDefault("", DefaultMonitorWarningCooldown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 60*time.Second {
		t.Fatalf("duration = %v, want 60s", d)
	}

	if _, err := DurationOrDefault("soon", ""); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := DurationOrDefault(" ", " "); err == nil {
		t.Fatal("expected empty duration error")
	}
}
