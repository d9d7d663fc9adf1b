// Package pathsafe validates and normalizes URL paths before they are used
// for route registration or dispatch.
//
// [Sanitize] rejects traversal sequences, null bytes in any common
// encoding, control characters and a fixed set of characters that are
// unsafe for downstream routing. It collapses repeated slashes, ensures a
// leading slash and strips a trailing one. It has no state and is safe to
// call from any goroutine.
package pathsafe

import (
	"strings"

	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
)

// Rejection messages. They name the rule, never the offending input.
const (
	MsgNullByte      = "path contains null bytes"
	MsgControlChar   = "path contains control characters"
	MsgTraversal     = "path contains directory traversal patterns (..)"
	MsgDangerousChar = "path contains dangerous characters"
)

// dangerousChars are refused anywhere in a path.
const dangerousChars = "<>\"\\`{}|^"

// Sanitize returns the normalized form of path or a [sserr.CodeInvalidPath]
// error. A blank path yields "/".
//
// Surrounding whitespace is trimmed; control characters are refused once
// trimming is done, so "\t/a\n" is accepted as "/a" while "/a\tb" is not.
func Sanitize(path string) (string, error) {
	if hasNullByte(path) {
		return "", invalid(MsgNullByte)
	}

	// Only whitespace controls may sit anywhere but the first byte; they
	// are trimmed below when at an edge.
	for i := 1; i < len(path); i++ {
		if c := path[i]; c < ' ' && !isSpaceControl(c) {
			return "", invalid(MsgControlChar)
		}
	}
	p := strings.TrimFunc(path, func(r rune) bool { return r <= ' ' })
	if p == "" {
		return "/", nil
	}
	for i := 0; i < len(p); i++ {
		if c := p[i]; c < ' ' || c == 0x7f {
			return "", invalid(MsgControlChar)
		}
	}
	if strings.Contains(p, "..") {
		return "", invalid(MsgTraversal)
	}
	if strings.ContainsAny(p, dangerousChars) {
		return "", invalid(MsgDangerousChar)
	}
	return Normalize(p), nil
}

// MustSanitize is [Sanitize] for paths fixed at start-up, such as route
// patterns. It panics on an unsafe path.
func MustSanitize(path string) string {
	p, err := Sanitize(path)
	if err != nil {
		panic(err)
	}
	return p
}

// Normalize collapses repeated slashes, ensures a leading slash and strips
// a trailing one. It performs no safety checks.
func Normalize(path string) string {
	if strings.TrimSpace(path) == "" {
		return "/"
	}
	var b strings.Builder
	b.Grow(len(path) + 1)
	if path[0] != '/' {
		b.WriteByte('/')
	}
	prevSlash := false
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' && prevSlash {
			continue
		}
		prevSlash = c == '/'
		b.WriteByte(c)
	}
	out := b.String()
	if len(out) > 1 && strings.HasSuffix(out, "/") {
		out = out[:len(out)-1]
	}
	return out
}

// SanitizeWebhookPath is [Sanitize] with "/webhook" as the blank default.
func SanitizeWebhookPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "/webhook", nil
	}
	return Sanitize(path)
}

// SanitizeLifecyclePath is [Sanitize] with "/lifecycle/<type>" as the
// blank default. Characters outside [A-Za-z0-9_-] are dropped from
// lifecycleType and the rest is lower-cased.
func SanitizeLifecyclePath(lifecycleType, path string) (string, error) {
	if strings.TrimSpace(path) != "" {
		return Sanitize(path)
	}
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return -1
	}, lifecycleType)
	return "/lifecycle/" + safe, nil
}

// hasNullByte reports a raw NUL or its %00, \0 and \u0000 spellings.
func hasNullByte(path string) bool {
	if strings.IndexByte(path, 0) >= 0 || strings.Contains(path, `\0`) {
		return true
	}
	lower := strings.ToLower(path)
	return strings.Contains(lower, "%00") || strings.Contains(lower, `\u0000`)
}

func isSpaceControl(c byte) bool {
	return c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func invalid(msg string) error {
	return sserr.New(sserr.CodeInvalidPath, msg)
}
