package ratelimit

import (
	"net"
	"net/http"
	"strings"

	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
)

// Mode selects how requests are grouped into buckets.
type Mode string

const (
	// ModeIP keys buckets by client address.
	ModeIP Mode = "ip"

	// ModeWorkspace keys buckets by workspace id, falling back to the
	// client address when the request names no workspace.
	ModeWorkspace Mode = "workspace"
)

// DefaultMode is used when no mode is configured.
const DefaultMode = ModeIP

// HeaderWorkspaceID carries the workspace id on webhook requests.
const HeaderWorkspaceID = "X-Workspace-Id"

// ParseMode accepts "ip" or "workspace", case-insensitively. An empty
// string yields [DefaultMode].
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultMode, nil
	case ModeIP:
		return ModeIP, nil
	case ModeWorkspace:
		return ModeWorkspace, nil
	}
	return "", sserr.Newf(sserr.CodeInternalConfiguration, "ratelimit: unknown identifier mode %q", s)
}

// KeyFunc derives a bucket identifier from a request.
type KeyFunc func(r *http.Request) string

// KeyFuncFor returns the identifier policy for mode.
func KeyFuncFor(mode Mode) KeyFunc {
	if mode == ModeWorkspace {
		return WorkspaceOrIP
	}
	return ClientIP
}

// ClientIP returns the first usable value of X-Forwarded-For (its first
// entry), X-Real-IP and the connection's remote host. "unknown" placeholders
// written by some proxies are skipped.
func ClientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if ip := strings.TrimSpace(first); usable(ip) {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); usable(ip) {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// WorkspaceOrIP returns the workspace id from the X-Workspace-Id header, a
// /workspace/{id} path segment or the workspaceId query parameter, in that
// order, and the client IP when none is present.
func WorkspaceOrIP(r *http.Request) string {
	if ws := WorkspaceID(r); ws != "" {
		return ws
	}
	return ClientIP(r)
}

// WorkspaceID extracts the workspace id without consulting the body.
func WorkspaceID(r *http.Request) string {
	if ws := strings.TrimSpace(r.Header.Get(HeaderWorkspaceID)); ws != "" {
		return ws
	}
	parts := strings.Split(r.URL.Path, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "workspace" && parts[i+1] != "" {
			return parts[i+1]
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("workspaceId"))
}

func usable(ip string) bool {
	return ip != "" && !strings.EqualFold(ip, "unknown")
}
