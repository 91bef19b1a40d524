// Package guard implements the Path Guard and Command Guard: the two
// safety gates that keep tool execution confined to a workspace and
// restricted to a small read-only shell verb set.
package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
)

// ErrPathEscape is returned when a candidate path cannot be proven to lie
// inside the workspace root.
var ErrPathEscape = errors.New("PathEscape")

// PathGuard resolves candidate paths against a fixed workspace root.
type PathGuard struct {
	Root string
}

// NewPathGuard canonicalizes root once; Resolve calls reuse it.
func NewPathGuard(root string) (*PathGuard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("guard: resolve root: %w", err)
	}
	return &PathGuard{Root: abs}, nil
}

// Resolve returns a canonicalized absolute path proven to be inside g.Root,
// or ErrPathEscape. Symlinks are fully resolved before the containment
// test; an absolute candidate outside the root always fails, even if no
// symlink is involved.
func (g *PathGuard) Resolve(candidate string) (string, error) {
	joined := candidate
	if !filepath.IsAbs(candidate) {
		joined = filepath.Join(g.Root, candidate)
	}
	joined = filepath.Clean(joined)

	rootReal, err := filepath.EvalSymlinks(g.Root)
	if err != nil {
		return "", fmt.Errorf("guard: resolve workspace root: %w", err)
	}

	real, err := resolveRealOrParent(joined)
	if err != nil {
		return "", fmt.Errorf("guard: resolve path: %w", err)
	}

	if !isPathInside(real, rootReal) {
		return "", ErrPathEscape
	}
	if err := checkMutableSymlinkParent(real, rootReal); err != nil {
		return "", err
	}
	if err := checkHardlink(real); err != nil {
		return "", err
	}
	return real, nil
}

// resolveRealOrParent resolves path through existing ancestors when the
// leaf itself does not exist yet (e.g. write_file creating a new file),
// so that path escapes via a not-yet-created symlink target still fail.
func resolveRealOrParent(path string) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err == nil {
		return real, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	for {
		realDir, derr := filepath.EvalSymlinks(dir)
		if derr == nil {
			return filepath.Join(realDir, base), nil
		}
		if !os.IsNotExist(derr) {
			return "", derr
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", derr
		}
		base = filepath.Join(filepath.Base(dir), base)
		dir = parent
	}
}

func isPathInside(path, root string) bool {
	if path == root {
		return true
	}
	sep := string(os.PathSeparator)
	return strings.HasPrefix(path, strings.TrimSuffix(root, sep)+sep)
}

// checkMutableSymlinkParent rejects a target whose parent directory is
// world/owner-writable via a symlink hop outside the root — a TOCTOU hole
// where the link could be repointed between the guard check and use.
func checkMutableSymlinkParent(real, root string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	dir := filepath.Dir(real)
	for dir != root && len(dir) > len(root) {
		info, err := os.Lstat(dir)
		if err != nil {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if err := syscall.Access(filepath.Dir(dir), 0x2); err == nil {
				return fmt.Errorf("guard: mutable symlink parent at %s: %w", dir, ErrPathEscape)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

// checkHardlink rejects regular files with more than one hardlink, which
// could alias content outside the workspace.
func checkHardlink(real string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Lstat(real)
	if err != nil {
		return nil
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	if stat.Nlink > 1 {
		return fmt.Errorf("guard: hardlinked file at %s: %w", real, ErrPathEscape)
	}
	return nil
}
