package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/harunnryd/mpkd/internal/bundle"
	"github.com/harunnryd/mpkd/internal/config"

	"github.com/stretchr/testify/require"
)

// syncBuffer is written by event handlers on bus goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	c, err := config.Load(nil)
	require.NoError(t, err)
	c.Monitor.HostStats = "none"
	c.Process.StopTimeout = "2s"
	c.Store.LockTimeout = "200ms"
	c.Store.LockRetry = "20ms"
	c.Store.LockMaxRetry = 10
	return c
}

func testManifest(id string) *bundle.Package {
	return &bundle.Package{
		FormatVersion:      bundle.SupportedFormatVersion,
		ID:                 id,
		Name:               "App " + id,
		Version:            bundle.Version{Name: "1.2.0", Code: 3, HasCode: true},
		Platform:           "mpk",
		MinPlatformVersion: "1.0",
		CodeType:           bundle.CodeType("service"),
		EntryPoint:         "main.svc",
		Permissions:        []string{"storage"},
	}
}

func writeBundle(t *testing.T, dir, id string) string {
	t.Helper()
	b, err := bundle.NewBuilder().WithManifest(testManifest(id))
	require.NoError(t, err)
	b.AddCode("main.svc", []byte("service"))
	b.AddAsset("readme.txt", []byte("hello"))

	path := filepath.Join(dir, id+".mpk")
	require.NoError(t, b.WriteFile(path))
	return path
}

// writeSourceDir lays out an unpacked app the way pack expects it.
func writeSourceDir(t *testing.T, id string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), id)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "code"), 0755))

	manifest, err := json.Marshal(testManifest(id))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, bundle.ManifestName), manifest, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "code", "main.svc"), []byte("service"), 0644))
	return dir
}
