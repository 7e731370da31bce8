package bundle

import (
	"os"
	"path/filepath"
	"testing"

	mpkerrors "github.com/harunnryd/mpkd/internal/errors"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resources.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestUnpackArchive(t *testing.T) {
	src := writeZip(t, map[string]string{
		"strings/en.json": `{"hello":"hi"}`,
		"raw.bin":         "raw",
	})
	dir := t.TempDir()

	n, err := UnpackArchive(src, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(dir, "strings", "en.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"hi"}`, string(data))
}

func TestUnpackArchiveRejectsEscape(t *testing.T) {
	src := writeZip(t, map[string]string{"../evil.txt": "x"})

	parent := t.TempDir()
	dir := filepath.Join(parent, "out")

	_, err := UnpackArchive(src, dir)
	require.Error(t, err)
	assert.True(t, mpkerrors.Is(err, mpkerrors.ErrInvalidInput) || IsKind(err, KindCorruptArchive))
	assert.NoFileExists(t, filepath.Join(parent, "evil.txt"))
}

func TestUnpackArchiveCorrupt(t *testing.T) {
	src := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(src, []byte("nope"), 0o644))

	_, err := UnpackArchive(src, t.TempDir())
	assert.True(t, IsKind(err, KindCorruptArchive))
}
