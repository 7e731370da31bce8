package monitor

import (
	"time"

	"github.com/harunnryd/mpkd/internal/policy"
)

// Usage is one app's measured consumption. ProcessCount always equals
// len(Tracked).
type Usage struct {
	StorageBytes  int64                `json:"storage_bytes"`
	ProcessCount  int64                `json:"process_count"`
	MemoryBytes   int64                `json:"memory_bytes"`
	CPUPercent    int64                `json:"cpu_percent"`
	NetworkBytes  int64                `json:"network_bytes"`
	WindowResetAt time.Time            `json:"window_reset_at"`
	SampledAt     time.Time            `json:"sampled_at"`
	Tracked       map[string]time.Time `json:"tracked"`
}

// Current returns the measured value for a resource type.
func (u Usage) Current(rt policy.ResourceType) int64 {
	switch rt {
	case policy.ResourceStorage:
		return u.StorageBytes
	case policy.ResourceProcess:
		return u.ProcessCount
	case policy.ResourceMemory:
		return u.MemoryBytes
	case policy.ResourceCPU:
		return u.CPUPercent
	case policy.ResourceNetwork:
		return u.NetworkBytes
	default:
		return 0
	}
}

func (u Usage) clone() Usage {
	out := u
	out.Tracked = make(map[string]time.Time, len(u.Tracked))
	for k, v := range u.Tracked {
		out.Tracked[k] = v
	}
	return out
}

// Percentage is current*100/limit in integer arithmetic. It is 0 when
// either value is not positive.
func Percentage(current, limit int64) int64 {
	if limit <= 0 || current <= 0 {
		return 0
	}
	return current * 100 / limit
}

// Percentages maps every enforced resource to its usage percentage.
func Percentages(u Usage, limits policy.ResourceLimits) map[policy.ResourceType]int64 {
	out := make(map[policy.ResourceType]int64, len(policy.ResourceTypes))
	for _, rt := range policy.ResourceTypes {
		limit := limits.Limit(rt)
		if limit <= 0 {
			continue
		}
		out[rt] = Percentage(u.Current(rt), limit)
	}
	return out
}
