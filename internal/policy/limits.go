package policy

import (
	"time"

	"github.com/harunnryd/mpkd/internal/config"
)

const (
	// DefaultMonitorInterval is used when neither config nor manifest set one.
	DefaultMonitorInterval = 5 * time.Second
)

// DefaultLimits returns the built-in limit set.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxStorageBytes:          config.DefaultSandboxMaxStorageBytes,
		MaxProcesses:             config.DefaultSandboxMaxProcesses,
		MaxMemoryBytes:           config.DefaultSandboxMaxMemoryBytes,
		MaxCPUPercent:            config.DefaultSandboxMaxCPUPercent,
		MaxNetworkBytesPerWindow: config.DefaultSandboxMaxNetworkBytes,
		MonitorInterval:          DefaultMonitorInterval,
	}
}

// LimitsFromConfig builds the default limit set from the sandbox section of
// the daemon configuration.
func LimitsFromConfig(cfg config.SandboxConfig) ResourceLimits {
	limits := ResourceLimits{
		MaxStorageBytes:          cfg.MaxStorageBytes,
		MaxProcesses:             cfg.MaxProcesses,
		MaxMemoryBytes:           cfg.MaxMemoryBytes,
		MaxCPUPercent:            cfg.MaxCPUPercent,
		MaxNetworkBytesPerWindow: cfg.MaxNetworkBytes,
		MonitorInterval:          time.Duration(cfg.MonitorIntervalMs) * time.Millisecond,
	}
	if limits.MonitorInterval <= 0 {
		limits.MonitorInterval = DefaultMonitorInterval
	}
	return limits
}

// Apply returns defaults with every present override substituted.
func (o *Overrides) Apply(defaults ResourceLimits) ResourceLimits {
	limits := defaults
	if o == nil {
		return limits
	}
	if o.MaxStorage != nil {
		limits.MaxStorageBytes = *o.MaxStorage
	}
	if o.MaxProcesses != nil {
		limits.MaxProcesses = *o.MaxProcesses
	}
	if o.MaxMemory != nil {
		limits.MaxMemoryBytes = *o.MaxMemory
	}
	if o.MaxCPUUsage != nil {
		limits.MaxCPUPercent = *o.MaxCPUUsage
	}
	if o.MaxNetworkUsage != nil {
		limits.MaxNetworkBytesPerWindow = *o.MaxNetworkUsage
	}
	// the monitor cannot be scheduled without a positive interval
	if o.MonitorIntervalMs != nil && *o.MonitorIntervalMs > 0 {
		limits.MonitorInterval = time.Duration(*o.MonitorIntervalMs) * time.Millisecond
	}
	return limits
}
