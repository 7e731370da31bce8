package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// IsolationLevel is the process isolation requested from the host for an
// app. It is recorded and forwarded, never enforced here.
type IsolationLevel string

const (
	IsolationMinimal  IsolationLevel = "minimal"
	IsolationStandard IsolationLevel = "standard"
	IsolationStrict   IsolationLevel = "strict"
)

func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch IsolationLevel(strings.ToLower(strings.TrimSpace(s))) {
	case "", IsolationStandard:
		return IsolationStandard, nil
	case IsolationMinimal:
		return IsolationMinimal, nil
	case IsolationStrict:
		return IsolationStrict, nil
	default:
		return "", fmt.Errorf("unknown isolation level %q", s)
	}
}

// ResourceType identifies one of the five governed quotas.
type ResourceType string

const (
	ResourceStorage ResourceType = "storage"
	ResourceProcess ResourceType = "process"
	ResourceMemory  ResourceType = "memory"
	ResourceCPU     ResourceType = "cpu"
	ResourceNetwork ResourceType = "network"
)

// ResourceTypes lists the quotas in the order they are checked on each tick.
var ResourceTypes = []ResourceType{
	ResourceStorage,
	ResourceProcess,
	ResourceMemory,
	ResourceCPU,
	ResourceNetwork,
}

// ResourceLimits is fixed at sandbox creation. A limit <= 0 means the quota
// is not enforced.
type ResourceLimits struct {
	MaxStorageBytes          int64         `json:"max_storage"`
	MaxProcesses             int64         `json:"max_processes"`
	MaxMemoryBytes           int64         `json:"max_memory"`
	MaxCPUPercent            int64         `json:"max_cpu_usage"`
	MaxNetworkBytesPerWindow int64         `json:"max_network_usage"`
	MonitorInterval          time.Duration `json:"-"`
}

// Limit returns the configured quota for a resource type.
func (l ResourceLimits) Limit(rt ResourceType) int64 {
	switch rt {
	case ResourceStorage:
		return l.MaxStorageBytes
	case ResourceProcess:
		return l.MaxProcesses
	case ResourceMemory:
		return l.MaxMemoryBytes
	case ResourceCPU:
		return l.MaxCPUPercent
	case ResourceNetwork:
		return l.MaxNetworkBytesPerWindow
	default:
		return 0
	}
}

func (l ResourceLimits) MarshalJSON() ([]byte, error) {
	type alias ResourceLimits
	return json.Marshal(struct {
		alias
		MonitorIntervalMs int64 `json:"monitor_interval"`
	}{alias(l), l.MonitorInterval.Milliseconds()})
}

// Overrides is the optional sandbox section of a bundle manifest. Nil
// fields fall back to defaults; present values are taken as-is, so 0 or a
// negative number disables that quota.
type Overrides struct {
	MaxStorage        *int64 `json:"max_storage,omitempty"`
	MaxProcesses      *int64 `json:"max_processes,omitempty"`
	MaxMemory         *int64 `json:"max_memory,omitempty"`
	MaxCPUUsage       *int64 `json:"max_cpu_usage,omitempty"`
	MaxNetworkUsage   *int64 `json:"max_network_usage,omitempty"`
	MonitorIntervalMs *int64 `json:"monitor_interval,omitempty"`
}

// UnmarshalJSON accepts any JSON number, or a numeric string, for each
// quota. Fractions are truncated toward zero.
func (o *Overrides) UnmarshalJSON(data []byte) error {
	var raw struct {
		MaxStorage        *json.Number `json:"max_storage"`
		MaxProcesses      *json.Number `json:"max_processes"`
		MaxMemory         *json.Number `json:"max_memory"`
		MaxCPUUsage       *json.Number `json:"max_cpu_usage"`
		MaxNetworkUsage   *json.Number `json:"max_network_usage"`
		MonitorIntervalMs *json.Number `json:"monitor_interval"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out Overrides
	fields := []struct {
		name string
		in   *json.Number
		out  **int64
	}{
		{"max_storage", raw.MaxStorage, &out.MaxStorage},
		{"max_processes", raw.MaxProcesses, &out.MaxProcesses},
		{"max_memory", raw.MaxMemory, &out.MaxMemory},
		{"max_cpu_usage", raw.MaxCPUUsage, &out.MaxCPUUsage},
		{"max_network_usage", raw.MaxNetworkUsage, &out.MaxNetworkUsage},
		{"monitor_interval", raw.MonitorIntervalMs, &out.MonitorIntervalMs},
	}
	for _, f := range fields {
		if f.in == nil {
			continue
		}
		v, err := truncate(*f.in)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.out = &v
	}

	*o = out
	return nil
}

func truncate(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	switch {
	case f >= math.MaxInt64:
		return math.MaxInt64, nil
	case f <= math.MinInt64:
		return math.MinInt64, nil
	}
	return int64(f), nil
}

// Mitigation names an escalation action taken against an app.
type Mitigation string

const (
	MitigationClearCache Mitigation = "clear_cache"
	MitigationClearTemp  Mitigation = "clear_temp"
	MitigationRequestGC  Mitigation = "request_gc"
	MitigationForceStop  Mitigation = "force_stop"
	MitigationNotice     Mitigation = "notice"
)

// Trigger is the event kind that drove a mitigation.
type Trigger string

const (
	TriggerWarning  Trigger = "warning"
	TriggerExceeded Trigger = "exceeded"
)

type AuditPolicy struct {
	Enabled bool
	Path    string
	// MaxBytes rotates the log to Path+".1" once it grows past this size.
	// Zero keeps a single unbounded file.
	MaxBytes int64
}

// AuditEntry records one escalation decision.
type AuditEntry struct {
	Timestamp   time.Time       `json:"timestamp"`
	AppID       string          `json:"app_id"`
	Resource    ResourceType    `json:"resource"`
	Trigger     Trigger         `json:"trigger"`
	Percentage  int64           `json:"percentage"`
	Actions     []Mitigation    `json:"actions"`
	Status      string          `json:"status"`
	Detail      string          `json:"detail,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

type AuditFilter struct {
	AppID     string
	Resource  ResourceType
	Trigger   Trigger
	StartTime time.Time
	EndTime   time.Time
	// Limit keeps only the most recent matches when positive.
	Limit int
}

// Match reports whether e passes every set criterion. A nil filter matches
// everything.
func (f *AuditFilter) Match(e *AuditEntry) bool {
	switch {
	case f == nil:
		return true
	case f.AppID != "" && e.AppID != f.AppID:
		return false
	case f.Resource != "" && e.Resource != f.Resource:
		return false
	case f.Trigger != "" && e.Trigger != f.Trigger:
		return false
	case !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime):
		return false
	case !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime):
		return false
	}
	return true
}
