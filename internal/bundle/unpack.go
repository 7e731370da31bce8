package bundle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	mpkerrors "github.com/harunnryd/mpkd/internal/errors"
	"github.com/harunnryd/mpkd/internal/pathutil"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// UnpackArchive extracts a plain zip, such as a bundle's resource archive,
// into dir. Entries escaping dir are rejected.
func UnpackArchive(src, dir string) (int, error) {
	archive, err := zip.OpenReader(src)
	if err != nil {
		return 0, &Error{Kind: KindCorruptArchive, Path: src, Err: err}
	}
	defer archive.Close()
	archive.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	archive.RegisterDecompressor(zstd.ZipMethodPKWare, zstd.ZipDecompressor())

	count := 0
	for _, f := range archive.File {
		if f.FileInfo().IsDir() {
			continue
		}
		target, err := pathutil.SafeJoin(dir, pathutil.NormalizeMember(f.Name))
		if err != nil {
			return count, mpkerrors.InvalidInput(err.Error())
		}
		if err := unpackFile(f, target); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func unpackFile(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return &Error{Kind: KindCorruptArchive, Path: f.Name, Err: err}
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", f.Name, err)
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("unpack %s: %w", f.Name, err)
	}
	return dst.Close()
}
