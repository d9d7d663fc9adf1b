package auth

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxBodyBytes bounds the body read for signature verification.
const DefaultMaxBodyBytes int64 = 1 << 20

// HeaderDecisionID carries the admission decision id on every response.
const HeaderDecisionID = "X-Admission-Decision-Id"

// HeaderWorkspaceID is the request header naming the target workspace.
const HeaderWorkspaceID = "X-Workspace-Id"

// WorkspaceFunc extracts the workspace id of a request. body is the full
// request body, already read.
type WorkspaceFunc func(r *http.Request, body []byte) string

// WorkspaceFromRequest reads the workspace id from the X-Workspace-Id
// header, then the workspaceId query parameter, then a top-level
// "workspaceId" field of a JSON body.
func WorkspaceFromRequest(r *http.Request, body []byte) string {
	if v := strings.TrimSpace(r.Header.Get(HeaderWorkspaceID)); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.URL.Query().Get(workspaceClaim)); v != "" {
		return v
	}
	var payload struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		return strings.TrimSpace(payload.WorkspaceID)
	}
	return ""
}

// MiddlewareConfig configures [HTTPMiddleware] and [LifecycleMiddleware].
type MiddlewareConfig struct {
	// AddonIdentity is the expected JWT subject.
	AddonIdentity string

	// Workspace defaults to WorkspaceFromRequest. Unused by lifecycle
	// admission.
	Workspace WorkspaceFunc

	// MaxBodyBytes defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *MiddlewareConfig) applyDefaults() {
	if c.Workspace == nil {
		c.Workspace = WorkspaceFromRequest
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// errorResponse is the JSON body of a denied request.
type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	DecisionID string `json:"decision_id,omitempty"`
}

// HTTPMiddleware admits webhook requests through gate. The body is read
// once, verified, and restored so the next handler can read it again.
// Admitted requests carry their result in the context; see
// [AdmissionFromContext].
//
//	r.With(auth.HTTPMiddleware(gate, auth.MiddlewareConfig{
//	    AddonIdentity: "rules-addon",
//	})).Post("/webhook/{event}", handleEvent)
func HTTPMiddleware(gate *AdmissionGate, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	cfg.applyDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decisionID := uuid.NewString()
			w.Header().Set(HeaderDecisionID, decisionID)
			ctx := ContextWithDecisionID(r.Context(), decisionID)

			body, ok := readBody(w, r, cfg, decisionID)
			if !ok {
				return
			}

			workspaceID := cfg.Workspace(r, body)
			res := gate.Admit(ctx, Request{Header: r.Header, Body: body}, workspaceID, cfg.AddonIdentity)
			if !res.Allowed {
				writeDenied(w, res, decisionID)
				return
			}

			ctx = ContextWithAdmission(ctx, res, strings.TrimSpace(workspaceID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LifecycleMiddleware admits install and uninstall callbacks through
// [AdmissionGate.AdmitLifecycle].
func LifecycleMiddleware(gate *AdmissionGate, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	cfg.applyDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decisionID := uuid.NewString()
			w.Header().Set(HeaderDecisionID, decisionID)
			ctx := ContextWithDecisionID(r.Context(), decisionID)

			body, ok := readBody(w, r, cfg, decisionID)
			if !ok {
				return
			}

			res := gate.AdmitLifecycle(ctx, Request{Header: r.Header, Body: body}, cfg.AddonIdentity)
			if !res.Allowed {
				writeDenied(w, res, decisionID)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithAdmission(ctx, res, "")))
		})
	}
}

// readBody reads at most MaxBodyBytes and puts the bytes back on r. It
// writes the error response itself and reports false on failure.
func readBody(w http.ResponseWriter, r *http.Request, cfg MiddlewareConfig, decisionID string) ([]byte, bool) {
	if r.Body == nil {
		return nil, true
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, cfg.MaxBodyBytes+1))
	_ = r.Body.Close()
	if err != nil {
		cfg.Logger.WarnContext(r.Context(), "auth: failed to read request body",
			"decision_id", decisionID,
			"error", err,
		)
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", decisionID)
		return nil, false
	}
	if int64(len(body)) > cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "payload too large", decisionID)
		return nil, false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, true
}

func writeDenied(w http.ResponseWriter, res AdmissionResult, decisionID string) {
	writeError(w, res.HTTPStatus, errorLabel(res.HTTPStatus), res.Message, decisionID)
}

// errorLabel is the machine-readable error for a deny status. It never
// names the failed check.
func errorLabel(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusPreconditionFailed:
		return "precondition_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "denied"
	}
}

func writeError(w http.ResponseWriter, status int, label, message, decisionID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:      label,
		Message:    message,
		DecisionID: decisionID,
	})
}
