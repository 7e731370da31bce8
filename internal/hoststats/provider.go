// Package hoststats samples OS processes and network counters for the
// resource monitor. The monitor only sees the Provider interface.
package hoststats

import "time"

// AppEnvKey is set in the environment of every process spawned for an app
// and is how host processes are attributed to it.
const AppEnvKey = "MPK_APP_ID"

type ProcessInfo struct {
	PID       int
	Name      string
	StartTime time.Time
}

type Sample struct {
	CPUPercent  float64
	MemoryBytes int64
}

// Provider is the host capability the monitor samples on every tick.
type Provider interface {
	// Processes lists live OS processes attributed to appID.
	Processes(appID string) ([]ProcessInfo, error)
	// Sample returns CPU and memory for one process. CPU is measured
	// between consecutive calls for the same pid.
	Sample(pid int) (Sample, error)
	// NetworkBytes returns a cumulative rx+tx counter for appID.
	// Counters may reset; callers handle negative deltas.
	NetworkBytes(appID string) (int64, error)
}

// Null reports nothing. Used when host sampling is disabled.
type Null struct{}

func (Null) Processes(string) ([]ProcessInfo, error) { return nil, nil }

func (Null) Sample(int) (Sample, error) { return Sample{}, nil }

func (Null) NetworkBytes(string) (int64, error) { return 0, nil }
