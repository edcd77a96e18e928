package utils

import (
	"fmt"
	"path"
	"strings"
)

// CleanPath normalizes a mount-relative path to the canonical form "/a/b".
// The root is "/". Empty input is the root.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// SplitPath returns the segments of a mount-relative path. The root has no segments.
//
//	SplitPath("/docs/a.txt") == []string{"docs", "a.txt"}
func SplitPath(p string) []string {
	p = CleanPath(p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// JoinPath joins a parent path and a child name.
func JoinPath(parent, name string) string {
	return CleanPath(path.Join(CleanPath(parent), name))
}

// ParentAndName splits p into its parent directory and final segment. The
// root returns ("/", "").
func ParentAndName(p string) (string, string) {
	p = CleanPath(p)
	if p == "/" {
		return "/", ""
	}
	dir, name := path.Split(p)
	return CleanPath(dir), name
}

// IsWithin reports whether p equals base or lies under it.
func IsWithin(p, base string) bool {
	p, base = CleanPath(p), CleanPath(base)
	if base == "/" || p == base {
		return true
	}
	return strings.HasPrefix(p, base+"/")
}

// ValidateName checks that name is usable as a single entry name on the drive.
//
// Returns an error if the name:
//   - is empty, "." or ".."
//   - contains a path separator or NUL byte
//   - exceeds 255 bytes
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name cannot be empty")
	case name == "." || name == "..":
		return fmt.Errorf("reserved name: %s", name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("name contains invalid character: %q", name)
	case len(name) > 255:
		return fmt.Errorf("name too long: %d bytes", len(name))
	}
	return nil
}

// ConflictName derives the sibling name under which a losing local version is
// preserved. n is the attempt number starting at 1.
//
//	ConflictName("notes.txt", " (conflict)", 1) == "notes (conflict).txt"
//	ConflictName("notes.txt", " (conflict)", 2) == "notes (conflict 2).txt"
func ConflictName(name, suffix string, n int) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		// Dotfiles such as ".bashrc" have no extension.
		stem, ext = name, ""
	}
	tag := suffix
	if n > 1 {
		if strings.HasSuffix(suffix, ")") {
			tag = fmt.Sprintf("%s %d)", strings.TrimSuffix(suffix, ")"), n)
		} else {
			tag = fmt.Sprintf("%s %d", suffix, n)
		}
	}
	return stem + tag + ext
}
