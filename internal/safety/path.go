package safety

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// CleanKey validates and normalizes a '/'-delimited blob-store key or prefix.
// It rejects empty keys, absolute keys, backslashes and parent traversal; a
// trailing slash is preserved so prefixes keep their meaning.
func CleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key is empty")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("absolute keys are not allowed: %q", key)
	}
	if strings.ContainsAny(key, "\\\x00") {
		return "", fmt.Errorf("key contains a forbidden character: %q", key)
	}
	for _, seg := range strings.Split(strings.TrimSuffix(key, "/"), "/") {
		if seg == ".." {
			return "", fmt.Errorf("parent traversal is not allowed: %q", key)
		}
	}

	clean := path.Clean(key)
	if clean == "." {
		return "", fmt.Errorf("key resolves to the store root: %q", key)
	}
	if strings.HasSuffix(key, "/") {
		clean += "/"
	}
	return clean, nil
}

// SafeJoinUnder joins a validated key under root and verifies the final
// filesystem path remains inside root.
func SafeJoinUnder(root, key string) (string, error) {
	cleanKey, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(root, filepath.Join(root, filepath.FromSlash(cleanKey)))
}

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}
