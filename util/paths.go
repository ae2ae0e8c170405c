package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxPathLength = 4096

var (
	// ErrPathTraversal indicates a name that would resolve outside its root
	ErrPathTraversal = errors.New("path traversal attempt detected")

	// ErrInvalidPath indicates an empty, overlong or null-byte path
	ErrInvalidPath = errors.New("invalid path")
)

// ResolveWithin joins name onto root and returns the absolute result. Names
// that escape root, absolute or relative, are rejected.
func ResolveWithin(root, name string) (string, error) {
	if strings.Contains(name, "\x00") {
		return "", fmt.Errorf("%w: null byte in %q", ErrInvalidPath, name)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}

	target := filepath.Join(absRoot, name)
	if target != absRoot && !strings.HasPrefix(target, absRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	return target, nil
}

// ValidateFilePath checks a user supplied output path and returns its
// absolute form. When rejectSymlink is set an existing symlink is refused.
func ValidateFilePath(path string, rejectSymlink bool) (string, error) {
	switch {
	case path == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	case len(path) > maxPathLength:
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidPath, maxPathLength)
	case strings.Contains(path, "\x00"):
		return "", fmt.Errorf("%w: null byte", ErrInvalidPath)
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	if rejectSymlink {
		if fi, err := os.Lstat(abs); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %s is a symlink", ErrInvalidPath, path)
		}
	}
	return abs, nil
}
