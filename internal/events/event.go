// Package events delivers sandbox events to listeners on one ordered queue
// per app, away from the monitor ticks that produce them.
package events

import (
	"time"

	"github.com/harunnryd/mpkd/internal/policy"
)

// Type names a sandbox event.
type Type string

const (
	ResourceWarning  Type = "RESOURCE_WARNING"
	ResourceExceeded Type = "RESOURCE_EXCEEDED"
	SandboxCreated   Type = "SANDBOX_CREATED"
	SandboxDeleted   Type = "SANDBOX_DELETED"
	ResourceCleared  Type = "RESOURCE_CLEARED"

	AppLoaded     Type = "APP_LOADED"
	AppStarted    Type = "APP_STARTED"
	AppStopped    Type = "APP_STOPPED"
	AppUnloaded   Type = "APP_UNLOADED"
	ProcessFailed Type = "PROCESS_FAILED"
)

// Payload keys.
const (
	KeyType         = "type"
	KeyCurrentValue = "currentValue"
	KeyLimitValue   = "limitValue"
	KeyPercentage   = "percentage"
	KeyPath         = "path"
	KeyError        = "error"
	KeyPID          = "pid"
)

// Cleared subdirectory identifiers carried by ResourceCleared.
const (
	ClearedCache = "cache"
	ClearedTemp  = "temp"
)

type Event struct {
	ID      string         `json:"id"`
	Type    Type           `json:"type"`
	AppID   string         `json:"app_id"`
	Time    time.Time      `json:"timestamp"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Resource returns the resource type of a warning or exceeded event.
func (e Event) Resource() policy.ResourceType {
	switch v := e.Payload[KeyType].(type) {
	case policy.ResourceType:
		return v
	case string:
		return policy.ResourceType(v)
	default:
		return ""
	}
}

// Percentage returns the integer usage percentage of a resource event.
func (e Event) Percentage() int64 {
	return int64Value(e.Payload[KeyPercentage])
}

func (e Event) CurrentValue() int64 {
	return int64Value(e.Payload[KeyCurrentValue])
}

func (e Event) LimitValue() int64 {
	return int64Value(e.Payload[KeyLimitValue])
}

// ResourcePayload builds the payload shared by warning and exceeded events.
func ResourcePayload(rt policy.ResourceType, current, limit, percentage int64) map[string]any {
	return map[string]any{
		KeyType:         rt,
		KeyCurrentValue: current,
		KeyLimitValue:   limit,
		KeyPercentage:   percentage,
	}
}

func int64Value(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
