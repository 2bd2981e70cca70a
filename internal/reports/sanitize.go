package reports

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/anchorpipe/anchorpipe-sub000/internal/schema"
)

// UnknownPath replaces paths that sanitize to nothing.
const UnknownPath = "unknown"

// SanitizePath turns an untrusted path-like value into a traversal-free key.
func SanitizePath(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\\':
			return '/'
		case strings.ContainsRune(`<>:"|?*`, r), unicode.IsControl(r), r == utf8.RuneError:
			return -1
		}
		return r
	}, raw)

	segments := strings.Split(cleaned, "/")
	kept := segments[:0]
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		kept = append(kept, seg)
	}

	path := truncate(strings.Join(kept, "/"), schema.MaxPathLength)
	path = strings.TrimRight(path, "/")
	if path == "" {
		return UnknownPath
	}
	return path
}

// SanitizeName trims and caps a test name. Empty names become UnknownPath.
func SanitizeName(raw string) string {
	name := truncate(strings.TrimSpace(stripControl(raw, false)), schema.MaxNameLength)
	if name == "" {
		return UnknownPath
	}
	return name
}

// SanitizeFailure caps failure text, keeping newlines and tabs.
func SanitizeFailure(raw string) string {
	return truncate(strings.TrimSpace(stripControl(raw, true)), schema.MaxFailureLength)
}

func stripControl(s string, keepLayout bool) string {
	return strings.Map(func(r rune) rune {
		if keepLayout && (r == '\n' || r == '\t') {
			return r
		}
		if r == '\n' || r == '\t' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// truncate cuts s to at most max runes.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
