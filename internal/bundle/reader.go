package bundle

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	mpkerrors "github.com/harunnryd/mpkd/internal/errors"
	"github.com/harunnryd/mpkd/internal/pathutil"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// Reader is an open bundle. It is safe for concurrent use; member reads
// after Close fail with errors.ErrClosed.
type Reader struct {
	mu      sync.RWMutex
	path    string
	archive *zip.ReadCloser
	members map[string]*zip.File
	pkg     *Package
	closed  bool
}

// MemberInfo describes one archive member.
type MemberInfo struct {
	Name           string    `json:"name"`
	Size           int64     `json:"size"`
	CompressedSize int64     `json:"compressed_size"`
	Method         uint16    `json:"method"`
	Modified       time.Time `json:"modified"`
	ContentType    string    `json:"content_type"`
}

// Open parses the bundle at archivePath. On success the archive stays open
// until Close.
func Open(archivePath string) (*Reader, error) {
	archive, err := zip.OpenReader(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Kind: KindCorruptArchive, Path: archivePath, Err: mpkerrors.NotFound("bundle file")}
		}
		return nil, &Error{Kind: KindCorruptArchive, Path: archivePath, Err: err}
	}
	archive.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	archive.RegisterDecompressor(zstd.ZipMethodPKWare, zstd.ZipDecompressor())

	r := &Reader{
		path:    archivePath,
		archive: archive,
		members: make(map[string]*zip.File, len(archive.File)),
	}
	for _, f := range archive.File {
		name := pathutil.NormalizeMember(f.Name)
		if name == "" || strings.HasSuffix(f.Name, "/") {
			continue
		}
		r.members[name] = f
	}

	pkg, err := r.parse()
	if err != nil {
		archive.Close()
		var bundleErr *Error
		if mpkerrors.As(err, &bundleErr) && bundleErr.Path == "" {
			bundleErr.Path = archivePath
		}
		return nil, err
	}
	r.pkg = pkg

	return r, nil
}

func (r *Reader) parse() (*Package, error) {
	manifest, ok := r.members[ManifestName]
	if !ok {
		return nil, &Error{Kind: KindMissingManifest}
	}

	data, err := readZipFile(manifest)
	if err != nil {
		return nil, &Error{Kind: KindCorruptArchive, Err: err}
	}

	pkg, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	for _, candidate := range pkg.EntryCandidates() {
		if _, ok := r.members[candidate]; ok {
			pkg.EntryPath = candidate
			break
		}
	}
	if pkg.EntryPath == "" {
		return nil, &Error{Kind: KindMissingEntryPoint, Field: pkg.EntryPoint}
	}

	if pkg.FormatVersion != SupportedFormatVersion {
		slog.Warn("Bundle format version differs from supported version",
			"path", r.path, "format_version", pkg.FormatVersion, "supported", SupportedFormatVersion)
	}

	_, pkg.HasSignature = r.members[SignatureName]
	_, pkg.HasCertificate = r.members[CertificateName]
	if !pkg.HasSignature || !pkg.HasCertificate {
		slog.Warn("Bundle is unsigned", "path", r.path, "app_id", pkg.ID,
			"signature", pkg.HasSignature, "certificate", pkg.HasCertificate)
	}

	return pkg, nil
}

// Package returns the parsed manifest.
func (r *Reader) Package() *Package {
	return r.pkg
}

// Path returns the archive location on disk.
func (r *Reader) Path() string {
	return r.path
}

// Members lists every file member, sorted.
func (r *Reader) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.members))
	for name := range r.members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Glob lists members matching a doublestar pattern such as "assets/**/*.png".
func (r *Reader) Glob(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, mpkerrors.InvalidInput(fmt.Sprintf("invalid pattern %q", pattern))
	}

	var matches []string
	for _, name := range r.Members() {
		if ok, _ := doublestar.Match(pattern, name); ok {
			matches = append(matches, name)
		}
	}
	return matches, nil
}

// Has reports whether a member exists.
func (r *Reader) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[pathutil.NormalizeMember(name)]
	return ok
}

// ReadMember reads one member fully. The archive itself is never buffered.
func (r *Reader) ReadMember(name string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, err := r.lookupLocked(name)
	if err != nil {
		return nil, err
	}
	return readZipFile(f)
}

// OpenMember streams one member. The stream must be closed before the
// Reader is closed.
func (r *Reader) OpenMember(name string) (io.ReadCloser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, err := r.lookupLocked(name)
	if err != nil {
		return nil, err
	}
	return f.Open()
}

// Stat describes a member and sniffs its content type.
func (r *Reader) Stat(name string) (*MemberInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, err := r.lookupLocked(name)
	if err != nil {
		return nil, err
	}

	info := &MemberInfo{
		Name:           pathutil.NormalizeMember(f.Name),
		Size:           int64(f.UncompressedSize64),
		CompressedSize: int64(f.CompressedSize64),
		Method:         f.Method,
		Modified:       f.Modified,
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open member %s: %w", name, err)
	}
	defer rc.Close()

	mime, err := mimetype.DetectReader(rc)
	if err != nil {
		return nil, fmt.Errorf("detect content type of %s: %w", name, err)
	}
	info.ContentType = mime.String()
	return info, nil
}

// ExtractTo copies every member under prefix into dir, stripping the prefix.
// Members that would land outside dir are rejected.
func (r *Reader) ExtractTo(prefix, dir string) (int, error) {
	prefix = pathutil.NormalizeMember(prefix)
	if prefix != "" {
		prefix += "/"
	}

	count := 0
	for _, name := range r.Members() {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rel := strings.TrimPrefix(name, prefix)
		target, err := pathutil.SafeJoin(dir, rel)
		if err != nil {
			return count, mpkerrors.InvalidInput(err.Error())
		}
		if err := r.extractMember(name, target); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ExtractMember copies a single member to target.
func (r *Reader) ExtractMember(name, target string) error {
	return r.extractMember(pathutil.NormalizeMember(name), target)
}

func (r *Reader) extractMember(name, target string) error {
	src, err := r.OpenMember(name)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", name, err)
	}

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("extract %s: %w", name, err)
	}
	return dst.Close()
}

// Close releases the archive handle. Repeated calls are no-ops.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.archive.Close()
}

func (r *Reader) lookupLocked(name string) (*zip.File, error) {
	if r.closed {
		return nil, mpkerrors.Closed(fmt.Sprintf("bundle %s", r.path))
	}
	f, ok := r.members[pathutil.NormalizeMember(name)]
	if !ok {
		return nil, mpkerrors.NotFound(fmt.Sprintf("member %s", name))
	}
	return f, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
