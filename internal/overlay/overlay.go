// Package overlay copies directory trees into build output: the platform
// build template and directory-shaped native assets.
package overlay

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/steveyegge/assetpack/internal/fsys"
)

// SkipFunc reports whether a file or directory should be skipped during copy.
// relPath is relative to the source root. isDir indicates whether it's a directory.
type SkipFunc func(relPath string, isDir bool) bool

// SkipHidden skips dotfiles and dot-directories such as .git or .DS_Store.
func SkipHidden(relPath string, _ bool) bool {
	return strings.HasPrefix(filepath.Base(relPath), ".")
}

// CopyDir recursively copies all files from srcDir into dstDir, skipping
// entries where skip returns true. A nil skip copies everything.
// Directory structure is preserved. File permissions are preserved.
// If srcDir does not exist, returns nil (no-op).
// Individual file copy failures are logged to stderr but don't abort.
func CopyDir(fsy fsys.FS, srcDir, dstDir string, skip SkipFunc, stderr io.Writer) error {
	info, err := fsy.Stat(srcDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil // a project without a template has nothing to copy
	}
	if err != nil {
		return fmt.Errorf("overlay: stat %q: %w", srcDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("overlay: %q is not a directory", srcDir)
	}
	copyDirRecursive(fsy, srcDir, dstDir, "", skip, stderr)
	return nil
}

// copyDirRecursive walks srcBase/rel and copies files into dstBase/rel.
func copyDirRecursive(fsy fsys.FS, srcBase, dstBase, rel string, skip SkipFunc, stderr io.Writer) {
	srcPath := srcBase
	if rel != "" {
		srcPath = filepath.Join(srcBase, rel)
	}

	entries, err := fsy.ReadDir(srcPath)
	if err != nil {
		fmt.Fprintf(stderr, "overlay: reading %q: %v\n", srcPath, err) //nolint:errcheck // best-effort stderr
		return
	}

	for _, entry := range entries {
		entryRel := entry.Name()
		if rel != "" {
			entryRel = filepath.Join(rel, entry.Name())
		}

		if skip != nil && skip(entryRel, entry.IsDir()) {
			continue
		}

		if entry.IsDir() {
			dstSubDir := filepath.Join(dstBase, entryRel)
			if err := fsy.MkdirAll(dstSubDir, 0o755); err != nil {
				fmt.Fprintf(stderr, "overlay: mkdir %q: %v\n", dstSubDir, err) //nolint:errcheck // best-effort stderr
				continue
			}
			copyDirRecursive(fsy, srcBase, dstBase, entryRel, skip, stderr)
			continue
		}

		if err := CopyFile(fsy, filepath.Join(srcBase, entryRel), filepath.Join(dstBase, entryRel)); err != nil {
			fmt.Fprintf(stderr, "overlay: %v\n", err) //nolint:errcheck // best-effort stderr
		}
	}
}

// copyTree copies srcBase/rel into dstBase/rel, returning the first error.
func copyTree(fsy fsys.FS, srcBase, dstBase, rel string) error {
	srcPath := srcBase
	if rel != "" {
		srcPath = filepath.Join(srcBase, rel)
	}

	entries, err := fsy.ReadDir(srcPath)
	if err != nil {
		return fmt.Errorf("overlay: reading %q: %w", srcPath, err)
	}

	for _, entry := range entries {
		entryRel := entry.Name()
		if rel != "" {
			entryRel = filepath.Join(rel, entry.Name())
		}

		if entry.IsDir() {
			dstSubDir := filepath.Join(dstBase, entryRel)
			if err := fsy.MkdirAll(dstSubDir, 0o755); err != nil {
				return fmt.Errorf("overlay: mkdir %q: %w", dstSubDir, err)
			}
			if err := copyTree(fsy, srcBase, dstBase, entryRel); err != nil {
				return err
			}
			continue
		}

		if err := CopyFile(fsy, filepath.Join(srcBase, entryRel), filepath.Join(dstBase, entryRel)); err != nil {
			return err
		}
	}
	return nil
}

// CopyFileOrDir copies src to dst, recursing when src is a directory.
// Unlike CopyDir, a missing src is an error.
func CopyFileOrDir(fsy fsys.FS, src, dst string) error {
	info, err := fsy.Stat(src)
	if err != nil {
		return fmt.Errorf("overlay: stat %q: %w", src, err)
	}
	if info.IsDir() {
		if err := fsy.MkdirAll(dst, 0o755); err != nil {
			return fmt.Errorf("overlay: mkdir %q: %w", dst, err)
		}
		return copyTree(fsy, src, dst, "")
	}
	return CopyFile(fsy, src, dst)
}

// CopyFile copies a single file preserving permissions.
func CopyFile(fsy fsys.FS, src, dst string) error {
	if err := fsy.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating parent for %q: %w", dst, err)
	}
	info, err := fsy.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %q: %w", src, err)
	}
	data, err := fsy.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %q: %w", src, err)
	}
	if err := fsy.WriteFile(dst, data, info.Mode().Perm()); err != nil {
		return fmt.Errorf("copying %q → %q: %w", src, dst, err)
	}
	return nil
}
