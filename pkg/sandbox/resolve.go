// Package sandbox confines client-supplied file names to a server root.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	ErrPathEscape      = errors.New("path escapes root")
	ErrDirectoryCreate = errors.New("directory create failed")
)

// Resolve joins clientPath onto root, canonicalizes the result and returns it
// only if it is root or lies below it. Symlinks are evaluated for the longest
// prefix that exists, so a link pointing outside root is caught even when the
// final component does not exist yet. With createParents the missing parent
// directories of the result are created. The target itself is never touched.
func Resolve(root, clientPath string, createParents bool) (string, error) {
	canonRoot, err := canonicalRoot(root)
	if err != nil {
		return "", err
	}

	rel := relativize(clientPath)
	if rel == "" {
		return "", fmt.Errorf("%w: empty file name", ErrPathEscape)
	}

	resolved, err := evalExisting(filepath.Join(canonRoot, rel))
	if err != nil {
		return "", err
	}
	if !within(canonRoot, resolved) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, clientPath)
	}

	if createParents {
		if err := mkdirParents(canonRoot, filepath.Dir(resolved)); err != nil {
			return "", err
		}
	}
	return resolved, nil
}

func canonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("root %q: %w", root, err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("root %q: %w", root, err)
	}
	return canon, nil
}

// relativize treats absolute client paths ("/boot/pxelinux.0", "\boot\x")
// as relative to the root, which is what most TFTP clients mean.
func relativize(clientPath string) string {
	p := strings.ReplaceAll(clientPath, "\\", "/")
	p = strings.TrimLeft(p, "/")
	if strings.TrimSpace(p) == "" {
		return ""
	}
	return filepath.FromSlash(p)
}

// evalExisting resolves symlinks in the longest existing prefix of p and
// re-appends the components that do not exist yet.
func evalExisting(p string) (string, error) {
	p = filepath.Clean(p)
	var missing []string
	cur := p
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", fmt.Errorf("stat %q: %w", cur, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}

	resolved, err := filepath.EvalSymlinks(cur)
	if err != nil {
		// The prefix exists but cannot be resolved: a dangling link whose
		// target is unknowable, so it cannot be proven to stay inside root.
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: dangling link at %q", ErrPathEscape, cur)
		}
		return "", fmt.Errorf("resolve %q: %w", cur, err)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, missing[i])
	}
	return resolved, nil
}

// within walks p's ancestry until root or the filesystem root is reached.
func within(root, p string) bool {
	cur := filepath.Clean(p)
	for {
		if cur == root {
			return true
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return false
		}
		cur = parent
	}
}

// mkdirParents creates every missing directory between root and dir, top
// down. An existing non-directory component is an error.
func mkdirParents(root, dir string) error {
	var missing []string
	cur := dir
	for cur != root {
		info, err := os.Stat(cur)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%w: %q is not a directory", ErrDirectoryCreate, cur)
			}
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %w", ErrDirectoryCreate, err)
		}
		missing = append(missing, cur)
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}

	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %w", ErrDirectoryCreate, err)
		}
	}
	return nil
}
