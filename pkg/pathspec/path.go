// Package pathspec normalizes POSIX-like memory paths and translates glob
// patterns into escaped SQL LIKE patterns.
package pathspec

import (
	"fmt"
	"strings"
)

const (
	// MaxPathBytes bounds the byte length of a normalized path.
	MaxPathBytes = 512
	// MaxSegments bounds the number of /-separated segments.
	MaxSegments = 64
)

// ReservedPrefix is the namespace closed to client writes.
const ReservedPrefix = "/sys"

// Normalize canonicalizes a path: leading slash required, duplicate slashes
// collapsed, trailing slash stripped (except root), "." and ".." rejected.
func Normalize(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", fmt.Errorf("path must start with /")
	}
	if len(p) > MaxPathBytes {
		return "", fmt.Errorf("path exceeds %d bytes", MaxPathBytes)
	}

	parts := strings.Split(p, "/")
	segments := make([]string, 0, len(parts))
	for _, seg := range parts {
		if seg == "" {
			continue
		}
		if seg == "." || seg == ".." {
			return "", fmt.Errorf("path segment %q not allowed", seg)
		}
		segments = append(segments, seg)
	}
	if len(segments) > MaxSegments {
		return "", fmt.Errorf("path exceeds %d segments", MaxSegments)
	}
	if len(segments) == 0 {
		return "/", nil
	}

	out := "/" + strings.Join(segments, "/")
	if len(out) > MaxPathBytes {
		return "", fmt.Errorf("path exceeds %d bytes", MaxPathBytes)
	}
	return out, nil
}

// Reserved reports whether a normalized path falls inside the read-only
// system namespace.
func Reserved(p string) bool {
	return p == ReservedPrefix || strings.HasPrefix(p, ReservedPrefix+"/")
}

// EscapeLike makes a string safe for literal use inside a LIKE pattern with
// backslash as the escape character.
func EscapeLike(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '%', '_', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ValidateGlob checks a glob pattern before translation: leading slash,
// bounded length, no empty or dot segments. Glob metacharacters are allowed
// inside segments.
func ValidateGlob(pattern string) error {
	if pattern == "" || pattern[0] != '/' {
		return fmt.Errorf("pattern must start with /")
	}
	if len(pattern) > MaxPathBytes {
		return fmt.Errorf("pattern exceeds %d bytes", MaxPathBytes)
	}
	for _, seg := range strings.Split(pattern[1:], "/") {
		if seg == "" {
			return fmt.Errorf("pattern has empty segment")
		}
		if seg == "." || seg == ".." {
			return fmt.Errorf("pattern segment %q not allowed", seg)
		}
	}
	return nil
}

// GlobToLike translates a validated glob into a LIKE pattern. "**" and "*"
// both become %, "?" becomes _, and LIKE metacharacters in the input are
// escaped. The % translation means "*" may cross "/" boundaries; that
// approximation is documented behavior.
func GlobToLike(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
			}
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
