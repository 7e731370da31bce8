package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harunnryd/mpkd/internal/policy"
	"github.com/harunnryd/mpkd/internal/runtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	running := &runtime.Status{
		AppID:       "com.example.notes",
		Version:     "1.2.0",
		CodeType:    "javascript",
		Running:     true,
		Percentages: map[policy.ResourceType]int64{policy.ResourceStorage: 12, policy.ResourceMemory: 40},
	}
	stopped := &runtime.Status{AppID: "com.example.idle", Version: "0.1.0", CodeType: "python"}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /apps", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]*runtime.Status{running, stopped})
	})
	mux.HandleFunc("GET /apps/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != running.AppID {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "app not loaded", "category": "ErrNotFound"})
			return
		}
		_ = json.NewEncoder(w).Encode(running)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusListsApps(t *testing.T) {
	srv := fakeDaemon(t)

	out, err := executeRoot(t, "status", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "com.example.notes")
	assert.Contains(t, out, "com.example.idle")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "stopped")
	assert.Contains(t, out, "40%")
}

func TestStatusSingleApp(t *testing.T) {
	srv := fakeDaemon(t)

	out, err := executeRoot(t, "status", "--addr", srv.URL, "com.example.notes")
	require.NoError(t, err)
	assert.Contains(t, out, "com.example.notes")
	assert.NotContains(t, out, "com.example.idle")
}

func TestStatusReportsDaemonError(t *testing.T) {
	srv := fakeDaemon(t)

	_, err := executeRoot(t, "status", "--addr", srv.URL, "com.example.missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app not loaded")
}

func TestRenderStatusesEmpty(t *testing.T) {
	var out bytes.Buffer
	renderStatuses(&out, nil)
	assert.Equal(t, "No apps loaded\n", out.String())
}

func TestUsageCell(t *testing.T) {
	st := &runtime.Status{Percentages: map[policy.ResourceType]int64{policy.ResourceCPU: 7}}
	assert.Equal(t, "7%", usageCell(st, policy.ResourceCPU))
	assert.Equal(t, "-", usageCell(st, policy.ResourceMemory))
}
