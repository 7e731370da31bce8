package policy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/harunnryd/mpkd/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }

func TestDefaultLimits(t *testing.T) {
	limits := DefaultLimits()
	assert.Equal(t, int64(100*1024*1024), limits.MaxStorageBytes)
	assert.Equal(t, int64(5), limits.MaxProcesses)
	assert.Equal(t, int64(256*1024*1024), limits.MaxMemoryBytes)
	assert.Equal(t, int64(50), limits.MaxCPUPercent)
	assert.Equal(t, int64(10*1024*1024), limits.MaxNetworkBytesPerWindow)
	assert.Equal(t, 5*time.Second, limits.MonitorInterval)
}

func TestOverridesApply(t *testing.T) {
	defaults := DefaultLimits()

	assert.Equal(t, defaults, (*Overrides)(nil).Apply(defaults))

	o := &Overrides{
		MaxStorage:        int64p(1000),
		MaxCPUUsage:       int64p(0),
		MaxNetworkUsage:   int64p(-1),
		MonitorIntervalMs: int64p(2000),
	}
	limits := o.Apply(defaults)

	assert.Equal(t, int64(1000), limits.MaxStorageBytes)
	assert.Equal(t, defaults.MaxProcesses, limits.MaxProcesses)
	assert.Equal(t, int64(0), limits.MaxCPUPercent)
	assert.Equal(t, int64(-1), limits.MaxNetworkBytesPerWindow)
	assert.Equal(t, 2*time.Second, limits.MonitorInterval)

	zeroInterval := (&Overrides{MonitorIntervalMs: int64p(0)}).Apply(defaults)
	assert.Equal(t, defaults.MonitorInterval, zeroInterval.MonitorInterval)
}

func TestOverridesDecodeCoercesNumbers(t *testing.T) {
	var o Overrides
	require.NoError(t, json.Unmarshal([]byte(`{
		"max_cpu_usage": 40.5,
		"max_storage": "2048",
		"max_memory": -1.9,
		"max_processes": null,
		"max_network_usage": 1e3
	}`), &o))

	require.NotNil(t, o.MaxCPUUsage)
	assert.Equal(t, int64(40), *o.MaxCPUUsage)
	assert.Equal(t, int64(2048), *o.MaxStorage)
	assert.Equal(t, int64(-1), *o.MaxMemory)
	assert.Equal(t, int64(1000), *o.MaxNetworkUsage)
	assert.Nil(t, o.MaxProcesses)
	assert.Nil(t, o.MonitorIntervalMs)

	assert.Error(t, json.Unmarshal([]byte(`{"max_storage": "lots"}`), &o))
	assert.Error(t, json.Unmarshal([]byte(`{"max_storage": true}`), &o))

	data, err := json.Marshal(&Overrides{MaxStorage: int64p(5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"max_storage": 5}`, string(data))
}

func TestLimitsFromConfig(t *testing.T) {
	limits := LimitsFromConfig(config.SandboxConfig{MaxStorageBytes: 42, MonitorIntervalMs: 0})
	assert.Equal(t, int64(42), limits.MaxStorageBytes)
	assert.Equal(t, DefaultMonitorInterval, limits.MonitorInterval)
}

func TestLimitLookup(t *testing.T) {
	limits := ResourceLimits{MaxStorageBytes: 1, MaxProcesses: 2, MaxMemoryBytes: 3, MaxCPUPercent: 4, MaxNetworkBytesPerWindow: 5}
	for i, rt := range ResourceTypes {
		assert.Equal(t, int64(i+1), limits.Limit(rt), rt)
	}
	assert.Equal(t, int64(0), limits.Limit(ResourceType("gpu")))
}

func TestLimitsMarshalJSON(t *testing.T) {
	data, err := json.Marshal(ResourceLimits{MaxStorageBytes: 10, MonitorInterval: 1500 * time.Millisecond})
	require.NoError(t, err)

	var decoded map[string]int64
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, int64(10), decoded["max_storage"])
	assert.Equal(t, int64(1500), decoded["monitor_interval"])
}

func TestParseIsolationLevel(t *testing.T) {
	level, err := ParseIsolationLevel("")
	require.NoError(t, err)
	assert.Equal(t, IsolationStandard, level)

	level, err = ParseIsolationLevel("STRICT")
	require.NoError(t, err)
	assert.Equal(t, IsolationStrict, level)

	_, err = ParseIsolationLevel("container")
	assert.Error(t, err)
}
