package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// rootFS reads files only from below a fixed directory.
type rootFS struct {
	absRoot string // absolute root with symlinks resolved
}

func newRootFS(root string) (*rootFS, error) {
	if root == "" {
		return nil, errors.New("bundle root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("bundle root %s is not a directory", abs)
	}
	return &rootFS{absRoot: abs}, nil
}

func (r *rootFS) readFile(userPath string) ([]byte, error) {
	p, err := r.resolve(userPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", userPath)
	}
	return os.ReadFile(p)
}

// resolve accepts absolute paths and paths relative to the root, as long as
// the symlink-free result stays under the root.
func (r *rootFS) resolve(userPath string) (string, error) {
	if userPath == "" {
		return "", errors.New("empty path")
	}
	clean := filepath.Clean(filepath.FromSlash(userPath))

	isAbs := filepath.IsAbs(clean) || (runtime.GOOS == "windows" && filepath.VolumeName(clean) != "")
	if !isAbs && (clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator))) {
		return "", errors.New("path traversal not allowed")
	}
	joined := clean
	if !isAbs {
		joined = filepath.Join(r.absRoot, clean)
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", err
	}
	if !hasPathPrefix(resolved, r.absRoot) {
		return "", fmt.Errorf("%s resolves outside the bundle root %s", userPath, r.absRoot)
	}
	return resolved, nil
}

func hasPathPrefix(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
		root = strings.ToLower(root)
	}
	if path == root {
		return true
	}
	sep := string(os.PathSeparator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(path, root)
}
