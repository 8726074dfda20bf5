// Package wspath validates and normalizes logical document paths
// against a workspace root.
package wspath

import (
	"errors"
	"strings"
)

// ErrInvalid is returned for paths that are empty, name the root
// itself, or contain traversal segments resolving above the root.
var ErrInvalid = errors.New("invalid workspace path")

// Clean normalizes a logical document path. The result always starts
// with "/" and contains no ".", ".." or empty segments. A ".." segment
// that would climb above the workspace root makes the whole path
// invalid; path.Clean-style silent clamping is deliberately not done
// here, an escape attempt is an error the caller must see.
func Clean(p string) (string, error) {
	if p == "" {
		return "", ErrInvalid
	}
	var out []string
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return "", ErrInvalid
			}
			out = out[:len(out)-1]
		default:
			if strings.ContainsRune(seg, '\x00') {
				return "", ErrInvalid
			}
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		// The root itself is a directory, never a document.
		return "", ErrInvalid
	}
	return "/" + strings.Join(out, "/"), nil
}

// IsValid reports whether p is acceptable as a document path.
func IsValid(p string) bool {
	_, err := Clean(p)
	return err == nil
}
