package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// resolvePath maps p onto a location inside workspace. Absolute paths are
// taken relative to the workspace; any path that lexically climbs out of it
// is rejected before symlinks are considered, and symlinks are then resolved
// without leaving the root.
func resolvePath(workspace, p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%q: %w", p, ErrPathOutsideSandbox)
	}
	rel := strings.TrimLeft(filepath.ToSlash(p), "/")
	if rel == "" {
		return "", fmt.Errorf("empty path: %w", ErrPathOutsideSandbox)
	}

	lexical := filepath.Join(workspace, filepath.FromSlash(rel))
	if !within(workspace, lexical) || lexical == filepath.Clean(workspace) {
		return "", fmt.Errorf("%q: %w", p, ErrPathOutsideSandbox)
	}

	resolved, err := securejoin.SecureJoin(workspace, rel)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", p, err)
	}
	if !within(workspace, resolved) {
		return "", fmt.Errorf("%q: %w", p, ErrPathOutsideSandbox)
	}
	return resolved, nil
}

// within reports whether target is root or a descendant of it.
func within(root, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
