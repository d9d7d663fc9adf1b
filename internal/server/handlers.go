package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/StricklySoft/addon-admission/pkg/auth"
	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
	"github.com/StricklySoft/addon-admission/pkg/tokenstore"
)

// healthTimeout bounds each dependency probe.
const healthTimeout = 2 * time.Second

type webhookResponse struct {
	Status      string `json:"status"`
	Event       string `json:"event"`
	WorkspaceID string `json:"workspaceId"`
	Method      string `json:"method"`
}

// installedPayload is the body of an install callback. Older callers send
// the secret as installationToken.
type installedPayload struct {
	WorkspaceID       string `json:"workspaceId"`
	AuthToken         string `json:"authToken"`
	InstallationToken string `json:"installationToken"`
	APIURL            string `json:"apiUrl"`
}

func (p installedPayload) secret() string {
	if p.AuthToken != "" {
		return p.AuthToken
	}
	return p.InstallationToken
}

type deletedPayload struct {
	WorkspaceID string `json:"workspaceId"`
}

type statusResponse struct {
	Status string   `json:"status"`
	Failed []string `json:"failed,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	res, _ := auth.AdmissionFromContext(r.Context())
	ws, _ := auth.WorkspaceIDFromContext(r.Context())
	event := chi.URLParam(r, "event")

	s.logger.InfoContext(r.Context(), "webhook admitted",
		"event", event,
		"workspace_id", ws,
		"method", res.Method,
	)
	writeJSON(w, http.StatusOK, webhookResponse{
		Status:      "accepted",
		Event:       event,
		WorkspaceID: ws,
		Method:      string(res.Method),
	})
}

func (s *Server) handleInstalled(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p installedPayload
	if !decodeBody(w, r, &p) {
		return
	}
	p.WorkspaceID = strings.TrimSpace(p.WorkspaceID)
	if p.WorkspaceID == "" || p.secret() == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "bad_request",
			Message: "workspaceId and authToken are required",
		})
		return
	}
	if !s.claimsMatchWorkspace(w, r, p.WorkspaceID) {
		return
	}

	if err := s.install(ctx, p); err != nil {
		s.writeStoreError(w, r, p.WorkspaceID, "failed to store workspace token", err)
		return
	}
	s.logger.InfoContext(ctx, "workspace installed", "workspace_id", p.WorkspaceID)
	writeJSON(w, http.StatusOK, statusResponse{Status: "installed"})
}

// install saves a new token, or rotates the secret of an existing one when
// a Rotator is configured.
func (s *Server) install(ctx context.Context, p installedPayload) error {
	secret := tokenstore.Secret(p.secret())
	if s.deps.Rotator != nil {
		existing, err := s.deps.Store.Get(ctx, p.WorkspaceID)
		switch {
		case err == nil:
			if err := s.deps.Rotator.Rotate(ctx, p.WorkspaceID, secret); err != nil {
				return err
			}
			if p.APIURL == "" || p.APIURL == existing.APIBaseURL {
				return nil
			}
			return tokenstore.UpdateToken(ctx, s.deps.Store, p.WorkspaceID, func(t *tokenstore.WorkspaceToken) error {
				t.APIBaseURL = p.APIURL
				return nil
			})
		case !sserr.IsNotFound(err):
			return err
		}
	}
	return s.deps.Store.Save(ctx, tokenstore.WorkspaceToken{
		WorkspaceID:        p.WorkspaceID,
		InstallationSecret: secret,
		APIBaseURL:         p.APIURL,
	})
}

func (s *Server) handleDeleted(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p deletedPayload
	if !decodeBody(w, r, &p) {
		return
	}
	p.WorkspaceID = strings.TrimSpace(p.WorkspaceID)
	if p.WorkspaceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "bad_request",
			Message: "workspaceId is required",
		})
		return
	}
	if !s.claimsMatchWorkspace(w, r, p.WorkspaceID) {
		return
	}
	if err := s.deps.Store.Delete(ctx, p.WorkspaceID); err != nil {
		s.writeStoreError(w, r, p.WorkspaceID, "failed to delete workspace token", err)
		return
	}
	s.logger.InfoContext(ctx, "workspace uninstalled", "workspace_id", p.WorkspaceID)
	writeJSON(w, http.StatusOK, statusResponse{Status: "uninstalled"})
}

// writeStoreError answers a failed token store call. Rejected input maps to
// 400; anything else is reported as the store being unavailable.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, workspaceID, msg string, err error) {
	e := sserr.FromError(err)
	if e.HTTPStatus() < http.StatusInternalServerError {
		s.logger.WarnContext(r.Context(), msg, "workspace_id", workspaceID, "code", e.Code.String())
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "bad_request",
			Message: "workspace token rejected",
		})
		return
	}
	s.logger.ErrorContext(r.Context(), msg, "workspace_id", workspaceID, "error", err)
	writeJSON(w, http.StatusServiceUnavailable, errorResponse{
		Error:   "unavailable",
		Message: auth.MsgStoreUnavailable,
	})
}

// claimsMatchWorkspace refuses a lifecycle callback unless its token names
// the workspace in the body. Platform lifecycle tokens always carry the
// workspaceId claim.
func (s *Server) claimsMatchWorkspace(w http.ResponseWriter, r *http.Request, workspaceID string) bool {
	var claimed string
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		claimed, _ = claims.StringClaim("workspaceId")
	}
	if strings.TrimSpace(claimed) == workspaceID {
		return true
	}
	s.logger.WarnContext(r.Context(), "lifecycle workspace does not match token",
		"workspace_id", workspaceID,
		"claim_present", claimed != "",
	)
	writeJSON(w, http.StatusForbidden, errorResponse{
		Error:   "forbidden",
		Message: auth.MsgWorkspaceMismatch,
	})
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var failed []string
	for _, hc := range s.deps.Health {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := hc.Check(ctx)
		cancel()
		if err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "check", hc.Name, "error", err)
			failed = append(failed, hc.Name)
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "unavailable", Failed: failed})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// decodeBody parses the (already size-limited) request body as JSON.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		err = json.NewDecoder(bytes.NewReader(body)).Decode(v)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "bad_request",
			Message: "request body must be a JSON object",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
