//go:build linux

package hoststats

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcfsFindsTaggedProcess(t *testing.T) {
	p, err := NewProcfs("")
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}

	cmd := exec.Command("sleep", "10")
	cmd.Env = append(os.Environ(), AppEnvKey+"=procfs-test-app")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	procs, err := p.Processes("procfs-test-app")
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, cmd.Process.Pid, procs[0].PID)
	assert.False(t, procs[0].StartTime.IsZero())

	none, err := p.Processes("procfs-test-other")
	require.NoError(t, err)
	assert.Empty(t, none)

	n, err := p.NetworkBytes("procfs-test-app")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcfsSample(t *testing.T) {
	p, err := NewProcfs("")
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}

	first, err := p.Sample(os.Getpid())
	require.NoError(t, err)
	assert.Positive(t, first.MemoryBytes)
	assert.Zero(t, first.CPUPercent)

	second, err := p.Sample(os.Getpid())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)

	p.Forget(os.Getpid())

	_, err = p.Sample(1 << 30)
	assert.Error(t, err)
}
