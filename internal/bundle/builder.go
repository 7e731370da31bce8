package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/harunnryd/mpkd/internal/pathutil"

	"github.com/charlievieth/fastwalk"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"
)

// Builder assembles a bundle in memory and writes it as a zip archive.
type Builder struct {
	mu       sync.Mutex
	manifest []byte
	files    map[string][]byte
	useZstd  bool
}

func NewBuilder() *Builder {
	return &Builder{files: make(map[string][]byte)}
}

// WithManifest encodes pkg as manifest.json.
func (b *Builder) WithManifest(pkg *Package) (*Builder, error) {
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return b, fmt.Errorf("encode manifest: %w", err)
	}
	return b.WithRawManifest(data), nil
}

// WithRawManifest stores manifest bytes verbatim. Used for JSONC manifests
// and for building deliberately broken bundles.
func (b *Builder) WithRawManifest(data []byte) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manifest = append([]byte(nil), data...)
	return b
}

// AddFile stores data under a bundle-relative name.
func (b *Builder) AddFile(name string, data []byte) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[pathutil.NormalizeMember(name)] = append([]byte(nil), data...)
	return b
}

func (b *Builder) AddCode(name string, data []byte) *Builder {
	return b.AddFile(CodeDir+pathutil.NormalizeMember(name), data)
}

func (b *Builder) AddAsset(name string, data []byte) *Builder {
	return b.AddFile(AssetsDir+pathutil.NormalizeMember(name), data)
}

// UseZstd compresses members with zstd instead of deflate.
func (b *Builder) UseZstd(enabled bool) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.useZstd = enabled
	return b
}

// AddDir adds every regular file under root. A manifest.json at the top
// level becomes the bundle manifest.
func (b *Builder) AddDir(root string) error {
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == ManifestName {
			b.WithRawManifest(data)
			return nil
		}
		b.AddFile(name, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", root, err)
	}
	return nil
}

// Write encodes the bundle to w. Members are written in sorted order with
// the manifest first.
func (b *Builder) Write(w io.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	zw := zip.NewWriter(w)
	method := zip.Deflate
	if b.useZstd {
		zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
		method = zstd.ZipMethodWinZip
	}

	write := func(name string, data []byte) error {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		if err != nil {
			return fmt.Errorf("create member %s: %w", name, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("write member %s: %w", name, err)
		}
		return nil
	}

	if b.manifest != nil {
		if err := write(ManifestName, b.manifest); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(b.files))
	for name := range b.files {
		if name == "" || strings.HasPrefix(name, "../") {
			continue
		}
		if name == ManifestName && b.manifest != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := write(name, b.files[name]); err != nil {
			return err
		}
	}

	return zw.Close()
}

// Bytes returns the encoded archive.
func (b *Builder) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile encodes the bundle and replaces path atomically.
func (b *Builder) WriteFile(path string) error {
	data, err := b.Bytes()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create bundle directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write bundle %s: %w", path, err)
	}
	return nil
}
