package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/mpkd/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server    ServerConfig    `koanf:"server" yaml:"server"`
	Sandbox   SandboxConfig   `koanf:"sandbox" yaml:"sandbox"`
	Monitor   MonitorConfig   `koanf:"monitor" yaml:"monitor"`
	Process   ProcessConfig   `koanf:"process" yaml:"process"`
	Runtime   RuntimeConfig   `koanf:"runtime" yaml:"runtime"`
	Messaging MessagingConfig `koanf:"messaging" yaml:"messaging"`
	Metrics   MetricsConfig   `koanf:"metrics" yaml:"metrics"`
	Store     StoreConfig     `koanf:"store" yaml:"store"`
	Daemon    DaemonConfig    `koanf:"daemon" yaml:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port" yaml:"port"`
	LogLevel        string `koanf:"log_level" yaml:"log_level"`
	ReadTimeout     string `koanf:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SandboxConfig holds the sandbox root and the limits applied when a bundle
// carries no sandbox section of its own.
type SandboxConfig struct {
	Root              string `koanf:"root" yaml:"root"`
	IsolationLevel    string `koanf:"isolation_level" yaml:"isolation_level"`
	MaxStorageBytes   int64  `koanf:"max_storage_bytes" yaml:"max_storage_bytes"`
	MaxProcesses      int64  `koanf:"max_processes" yaml:"max_processes"`
	MaxMemoryBytes    int64  `koanf:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxCPUPercent     int64  `koanf:"max_cpu_percent" yaml:"max_cpu_percent"`
	MaxNetworkBytes   int64  `koanf:"max_network_bytes" yaml:"max_network_bytes"`
	MonitorIntervalMs int64  `koanf:"monitor_interval_ms" yaml:"monitor_interval_ms"`
}

type MonitorConfig struct {
	WarningThreshold int64  `koanf:"warning_threshold" yaml:"warning_threshold"`
	WarningCooldown  string `koanf:"warning_cooldown" yaml:"warning_cooldown"`
	NetworkWindow    string `koanf:"network_window" yaml:"network_window"`
	HostStats        string `koanf:"host_stats" yaml:"host_stats"`
}

type ProcessConfig struct {
	Capacity      int               `koanf:"capacity" yaml:"capacity"`
	StopTimeout   string            `koanf:"stop_timeout" yaml:"stop_timeout"`
	ReapSchedule  string            `koanf:"reap_schedule" yaml:"reap_schedule"`
	Interpreters  map[string]string `koanf:"interpreters" yaml:"interpreters"`
	ScriptTimeout string            `koanf:"script_timeout" yaml:"script_timeout"`
}

type RuntimeConfig struct {
	WarningEscalation int      `koanf:"warning_escalation" yaml:"warning_escalation"`
	AppsDir           string   `koanf:"apps_dir" yaml:"apps_dir"`
	AutoloadGlob      string   `koanf:"autoload_glob" yaml:"autoload_glob"`
	Autostart         []string `koanf:"autostart" yaml:"autostart"`
	PermissionsFile   string   `koanf:"permissions_file" yaml:"permissions_file"`
	AuditMaxBytes     int64    `koanf:"audit_max_bytes" yaml:"audit_max_bytes"`
}

type MessagingConfig struct {
	Driver        string `koanf:"driver" yaml:"driver"`
	NATSURL       string `koanf:"nats_url" yaml:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix" yaml:"subject_prefix"`
	ClientName    string `koanf:"client_name" yaml:"client_name"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Path    string `koanf:"path" yaml:"path"`
}

type StoreConfig struct {
	LockTimeout  string `koanf:"lock_timeout" yaml:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry" yaml:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry" yaml:"lock_max_retry"`
}

type DaemonConfig struct {
	DataRoot               string `koanf:"data_root" yaml:"data_root"`
	ShutdownTimeout        string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval" yaml:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout" yaml:"startup_shutdown_timeout"`
	PreflightTimeout       string `koanf:"preflight_timeout" yaml:"preflight_timeout"`
	StaleLockTTL           string `koanf:"stale_lock_ttl" yaml:"stale_lock_ttl"`
}

const (
	DefaultServerPort                   = 8787
	DefaultServerLogLevel               = "info"
	DefaultServerReadTimeout            = "10s"
	DefaultServerWriteTimeout           = "10s"
	DefaultServerIdleTimeout            = "60s"
	DefaultServerShutdownTimeout        = "5s"
	DefaultSandboxIsolationLevel        = "standard"
	DefaultSandboxMaxStorageBytes       = 100 * 1024 * 1024
	DefaultSandboxMaxProcesses          = 5
	DefaultSandboxMaxMemoryBytes        = 256 * 1024 * 1024
	DefaultSandboxMaxCPUPercent         = 50
	DefaultSandboxMaxNetworkBytes       = 10 * 1024 * 1024
	DefaultSandboxMonitorIntervalMs     = 5000
	DefaultMonitorWarningThreshold      = 80
	DefaultMonitorWarningCooldown       = "60s"
	DefaultMonitorNetworkWindow         = "24h"
	DefaultMonitorHostStats             = "procfs"
	DefaultProcessCapacity              = 100
	DefaultProcessStopTimeout           = "5s"
	DefaultProcessReapSchedule          = "@every 1m"
	DefaultProcessScriptTimeout         = "30s"
	DefaultRuntimeWarningEscalation     = 3
	DefaultRuntimeAutoloadGlob          = "*.mpk"
	DefaultRuntimeAuditMaxBytes         = 10 * 1024 * 1024
	DefaultMessagingDriver              = "local"
	DefaultMessagingNATSURL             = "nats://127.0.0.1:4222"
	DefaultMessagingSubjectPrefix       = "mpk.apps"
	DefaultMessagingClientName          = "mpkd"
	DefaultMetricsEnabled               = true
	DefaultMetricsPath                  = "/metrics"
	DefaultStoreLockTimeout             = "30s"
	DefaultStoreLockRetry               = "100ms"
	DefaultStoreLockMaxRetry            = 300
	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonStartupShutdownTimeout = "10s"
	DefaultDaemonPreflightTimeout       = "10s"
	DefaultDaemonStaleLockTTL           = "15m"
)

// DefaultInterpreters maps native code types to the command used to launch
// their entry point.
func DefaultInterpreters() map[string]string {
	return map[string]string{
		"python": "python3 -u",
	}
}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	home, _ := os.UserHomeDir()
	dataRoot := filepath.Join(home, ".mpkd")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.port":                     DefaultServerPort,
		"server.log_level":                DefaultServerLogLevel,
		"server.read_timeout":             DefaultServerReadTimeout,
		"server.write_timeout":            DefaultServerWriteTimeout,
		"server.idle_timeout":             DefaultServerIdleTimeout,
		"server.shutdown_timeout":         DefaultServerShutdownTimeout,
		"sandbox.root":                    filepath.Join(dataRoot, "sandboxes"),
		"sandbox.isolation_level":         DefaultSandboxIsolationLevel,
		"sandbox.max_storage_bytes":       DefaultSandboxMaxStorageBytes,
		"sandbox.max_processes":           DefaultSandboxMaxProcesses,
		"sandbox.max_memory_bytes":        DefaultSandboxMaxMemoryBytes,
		"sandbox.max_cpu_percent":         DefaultSandboxMaxCPUPercent,
		"sandbox.max_network_bytes":       DefaultSandboxMaxNetworkBytes,
		"sandbox.monitor_interval_ms":     DefaultSandboxMonitorIntervalMs,
		"monitor.warning_threshold":       DefaultMonitorWarningThreshold,
		"monitor.warning_cooldown":        DefaultMonitorWarningCooldown,
		"monitor.network_window":          DefaultMonitorNetworkWindow,
		"monitor.host_stats":              DefaultMonitorHostStats,
		"process.capacity":                DefaultProcessCapacity,
		"process.stop_timeout":            DefaultProcessStopTimeout,
		"process.reap_schedule":           DefaultProcessReapSchedule,
		"process.script_timeout":          DefaultProcessScriptTimeout,
		"process.interpreters":            map[string]interface{}{"python": "python3 -u"},
		"runtime.warning_escalation":      DefaultRuntimeWarningEscalation,
		"runtime.apps_dir":                filepath.Join(dataRoot, "apps"),
		"runtime.autoload_glob":           DefaultRuntimeAutoloadGlob,
		"runtime.autostart":               []string{},
		"runtime.permissions_file":        filepath.Join(dataRoot, "permissions.json"),
		"runtime.audit_max_bytes":         DefaultRuntimeAuditMaxBytes,
		"messaging.driver":                DefaultMessagingDriver,
		"messaging.nats_url":              DefaultMessagingNATSURL,
		"messaging.subject_prefix":        DefaultMessagingSubjectPrefix,
		"messaging.client_name":           DefaultMessagingClientName,
		"metrics.enabled":                 DefaultMetricsEnabled,
		"metrics.path":                    DefaultMetricsPath,
		"store.lock_timeout":              DefaultStoreLockTimeout,
		"store.lock_retry":                DefaultStoreLockRetry,
		"store.lock_max_retry":            DefaultStoreLockMaxRetry,
		"daemon.data_root":                dataRoot,
		"daemon.shutdown_timeout":         DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":    DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout": DefaultDaemonStartupShutdownTimeout,
		"daemon.preflight_timeout":        DefaultDaemonPreflightTimeout,
		"daemon.stale_lock_ttl":           DefaultDaemonStaleLockTTL,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else if home != "" {
		globalPath := filepath.Join(dataRoot, "config.yaml")
		if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
			slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
		}
	}

	// Environment Variables
	k.Load(env.Provider("MPKD_", ".", func(s string) string {
		return envKey(strings.TrimPrefix(s, "MPKD_"))
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if cfg.Process.Interpreters == nil {
		cfg.Process.Interpreters = DefaultInterpreters()
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps SECTION_FIELD_NAME to section.field_name: only the first
// underscore separates the section.
func envKey(s string) string {
	lower := strings.ToLower(s)
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	fields := []*string{
		&cfg.Sandbox.Root,
		&cfg.Runtime.AppsDir,
		&cfg.Runtime.PermissionsFile,
		&cfg.Daemon.DataRoot,
	}
	for _, field := range fields {
		expanded, err := expandConfiguredPath(*field)
		if err != nil {
			return err
		}
		if expanded != "" {
			*field = expanded
		}
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
