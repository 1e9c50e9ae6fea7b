package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// PartSuffix marks files that are still being written.
const PartSuffix = ".part"

// CopyFile copies src to dst through a temporary dst.part file that is renamed into place,
// so readers never observe a truncated dst.
func CopyFile(src, dst string) error {
	if err := EnsureParent(dst); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	tmp := dst + PartSuffix
	dstFile, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		os.Remove(tmp)
		return err
	}
	if err := dstFile.Sync(); err != nil {
		dstFile.Close()
		os.Remove(tmp)
		return err
	}
	if err := dstFile.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if info, err := srcFile.Stat(); err == nil {
		_ = os.Chtimes(tmp, info.ModTime(), info.ModTime())
	}

	return os.Rename(tmp, dst)
}

// MoveFile relocates src to dst, replacing any existing dst.
// A rename that fails across volumes falls back to copy and delete.
func MoveFile(src, dst string) error {
	if err := EnsureParent(dst); err != nil {
		return err
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	if !isCrossDevice(err) {
		// windows refuses to rename over an existing file
		if _, statErr := os.Stat(dst); statErr == nil {
			if rmErr := os.Remove(dst); rmErr == nil {
				if err = os.Rename(src, dst); err == nil {
					return nil
				}
			}
		}
		return err
	}

	if err := CopyFile(src, dst); err != nil {
		return fmt.Errorf("copy across devices: %w", err)
	}
	return os.Remove(src)
}

// WriteFileAtomic writes data to path.tmp and renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	if err := EnsureParent(path); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RemoveEmptyDirs removes empty directories below root, deepest first. root itself is kept.
func RemoveEmptyDirs(root string) {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i]) // fails when not empty
	}
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return errors.Is(linkErr.Err, syscall.EXDEV)
	}
	return false
}
