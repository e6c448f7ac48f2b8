// Package pathutil confines client-supplied paths to known directories.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Redact shortens a path to .../<parent>/<base> for error messages.
func Redact(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	parent := filepath.Base(filepath.Dir(cleaned))
	if parent == "." || parent == string(filepath.Separator) {
		return filepath.Base(cleaned)
	}
	return ".../" + parent + "/" + filepath.Base(cleaned)
}

// Within resolves path and checks that it lies inside one of roots. Symlinks
// are followed on both sides, so a link inside a root pointing elsewhere is
// rejected. The resolved path is returned.
func Within(path string, roots []string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return "", fmt.Errorf("path contains a null byte")
	}
	if len(roots) == 0 {
		return "", fmt.Errorf("no allowed directories configured")
	}

	resolved, err := resolve(path)
	if err != nil {
		return "", err
	}
	for _, root := range roots {
		r, err := resolve(root)
		if err != nil {
			continue
		}
		if resolved == r || strings.HasPrefix(resolved, r+string(os.PathSeparator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%q is outside the allowed directories", Redact(resolved))
}

// resolve makes path absolute and evaluates symlinks on its deepest
// existing ancestor, keeping any missing tail as written.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot make %s absolute: %w", Redact(path), err)
	}

	var tail []string
	for dir := abs; ; {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("cannot resolve %s", Redact(abs))
		}
		tail = append(tail, filepath.Base(dir))
		dir = parent
	}
}
