package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// EnsureDirs creates each directory (and parents) with 0755 permissions.
func EnsureDirs(dirs ...string) error {
	var errs []error
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			errs = append(errs, fmt.Errorf("mkdir %s: %w", d, err))
		}
	}
	return errors.Join(errs...)
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// CopyFile copies src to dst (0644). dst is truncated if it exists.
// Used to give each VM an independent copy of the default boot image;
// never a shared backing file.
func CopyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // config-controlled path
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copy %s → %s: %w", src, dst, err)
	}
	return out.Close()
}

// TailFile returns up to maxBytes from the end of the file at path.
// Best-effort: a missing file yields an empty string.
func TailFile(path string, maxBytes int64) string {
	f, err := os.Open(path) //nolint:gosec // internal log path
	if err != nil {
		return ""
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if size := info.Size(); size > maxBytes {
		if _, err := f.Seek(size-maxBytes, io.SeekStart); err != nil {
			return ""
		}
	}
	data, _ := io.ReadAll(f)
	return string(data)
}
