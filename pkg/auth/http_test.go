package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/addon-admission/internal/testutil"
	"github.com/StricklySoft/addon-admission/internal/testutil/fixtures"
)

// echoHandler records what the next handler saw.
type echoHandler struct {
	called bool
	body   string
	ctx    context.Context
}

func (h *echoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.called = true
	h.ctx = r.Context()
	b, _ := io.ReadAll(r.Body)
	h.body = string(b)
	w.WriteHeader(http.StatusOK)
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var body errorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

func TestWorkspaceFromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/webhook/x?workspaceId=ws-query", nil)
	r.Header.Set(HeaderWorkspaceID, " ws-header ")
	assert.Equal(t, "ws-header", WorkspaceFromRequest(r, []byte(fixtures.WebhookBody)))

	r = httptest.NewRequest(http.MethodPost, "/webhook/x?workspaceId=ws-query", nil)
	assert.Equal(t, "ws-query", WorkspaceFromRequest(r, []byte(fixtures.WebhookBody)))

	r = httptest.NewRequest(http.MethodPost, "/webhook/x", nil)
	assert.Equal(t, fixtures.WorkspaceID, WorkspaceFromRequest(r, []byte(fixtures.WebhookBody)))
	assert.Empty(t, WorkspaceFromRequest(r, []byte("not json")))
	assert.Empty(t, WorkspaceFromRequest(r, nil))
}

func TestHTTPMiddleware_AdmitsAndRestoresBody(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())
	next := &echoHandler{}
	h := HTTPMiddleware(f.gate, MiddlewareConfig{AddonIdentity: fixtures.AddonKey})(next)

	req := httptest.NewRequest(http.MethodPost, "/webhook/NEW_TIME_ENTRY", strings.NewReader(fixtures.WebhookBody))
	req.Header.Set(CanonicalSignatureHeader, f.jwt(t))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, next.called)
	assert.Equal(t, fixtures.WebhookBody, next.body, "body must be readable again downstream")

	decisionID := rr.Header().Get(HeaderDecisionID)
	_, err := uuid.Parse(decisionID)
	assert.NoError(t, err)
	assert.Equal(t, decisionID, DecisionIDFromContext(next.ctx))

	res, ok := AdmissionFromContext(next.ctx)
	require.True(t, ok)
	assert.Equal(t, MethodJWT, res.Method)
	claims, ok := ClaimsFromContext(next.ctx)
	require.True(t, ok)
	assert.Equal(t, fixtures.AddonKey, claims.Subject)
	ws, ok := WorkspaceIDFromContext(next.ctx)
	require.True(t, ok)
	assert.Equal(t, fixtures.WorkspaceID, ws)
}

func TestHTTPMiddleware_HMACHasNoClaims(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())
	next := &echoHandler{}
	h := HTTPMiddleware(f.gate, MiddlewareConfig{AddonIdentity: fixtures.AddonKey})(next)

	req := httptest.NewRequest(http.MethodPost, "/webhook/x", strings.NewReader(fixtures.WebhookBody))
	req.Header.Set(CanonicalSignatureHeader, ComputeSignature(fixtures.InstallToken, []byte(fixtures.WebhookBody)))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	_, ok := ClaimsFromContext(next.ctx)
	assert.False(t, ok)
	res, ok := AdmissionFromContext(next.ctx)
	require.True(t, ok)
	assert.Equal(t, MethodHMAC, res.Method)
}

func TestHTTPMiddleware_Denials(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())

	tests := []struct {
		name    string
		prepare func(r *http.Request)
		status  int
		label   string
		message string
	}{
		{
			name:    "no signature",
			prepare: func(*http.Request) {},
			status:  http.StatusUnauthorized,
			label:   "unauthorized",
			message: MsgSignatureMissing,
		},
		{
			name: "other add-on",
			prepare: func(r *http.Request) {
				r.Header.Set(CanonicalSignatureHeader, f.jwt(t, func(c jwt.MapClaims) { c["sub"] = fixtures.OtherAddon }))
			},
			status:  http.StatusForbidden,
			label:   "forbidden",
			message: MsgInvalidSubject,
		},
		{
			name: "unknown workspace",
			prepare: func(r *http.Request) {
				r.Header.Set(HeaderWorkspaceID, "ws-unknown")
				r.Header.Set(CanonicalSignatureHeader, f.jwt(t))
			},
			status:  http.StatusPreconditionFailed,
			label:   "precondition_failed",
			message: MsgTokenNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := &echoHandler{}
			h := HTTPMiddleware(f.gate, MiddlewareConfig{AddonIdentity: fixtures.AddonKey})(next)
			req := httptest.NewRequest(http.MethodPost, "/webhook/x", strings.NewReader(fixtures.WebhookBody))
			tt.prepare(req)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.False(t, next.called)
			assert.Equal(t, tt.status, rr.Code)
			body := decodeError(t, rr)
			assert.Equal(t, tt.label, body.Error)
			assert.Equal(t, tt.message, body.Message)
			assert.Equal(t, rr.Header().Get(HeaderDecisionID), body.DecisionID)
		})
	}
}

func TestHTTPMiddleware_DenyBodyDoesNotLeakCause(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())
	h := HTTPMiddleware(f.gate, MiddlewareConfig{AddonIdentity: fixtures.AddonKey})(&echoHandler{})

	forged := testutil.NewRSASigner(t, "k1").Sign(t, testutil.Claims(verifyNow))
	req := httptest.NewRequest(http.MethodPost, "/webhook/x", strings.NewReader(fixtures.WebhookBody))
	req.Header.Set(CanonicalSignatureHeader, forged)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	body := decodeError(t, rr)
	assert.Equal(t, MsgInvalidJWT, body.Message)
	for _, leak := range []string{"kid", "signature is invalid", "AUTH_006"} {
		testutil.AssertJSONNotContains(t, body, leak)
	}
}

func TestHTTPMiddleware_BodyLimit(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())
	next := &echoHandler{}
	h := HTTPMiddleware(f.gate, MiddlewareConfig{AddonIdentity: fixtures.AddonKey, MaxBodyBytes: 16})(next)

	req := httptest.NewRequest(http.MethodPost, "/webhook/x", strings.NewReader(fixtures.WebhookBody))
	req.Header.Set(CanonicalSignatureHeader, f.jwt(t))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.False(t, next.called)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, "payload_too_large", decodeError(t, rr).Error)
}

func TestLifecycleMiddleware(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())
	next := &echoHandler{}
	h := LifecycleMiddleware(f.gate, MiddlewareConfig{AddonIdentity: fixtures.AddonKey})(next)

	body := `{"workspaceId":"ws-9","authToken":"t","apiUrl":"https://api.clockify.test/api"}`
	req := httptest.NewRequest(http.MethodPost, "/lifecycle/installed", strings.NewReader(body))
	req.Header.Set(CanonicalSignatureHeader, f.jwt(t, func(c jwt.MapClaims) { delete(c, "workspaceId") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, body, next.body)
	_, ok := WorkspaceIDFromContext(next.ctx)
	assert.False(t, ok)

	req = httptest.NewRequest(http.MethodPost, "/lifecycle/installed", strings.NewReader(body))
	req.Header.Set(CanonicalSignatureHeader, ComputeSignature(fixtures.InstallToken, []byte(body)))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestContextHelpers_Empty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, ok := AdmissionFromContext(ctx)
	assert.False(t, ok)
	_, ok = ClaimsFromContext(ctx)
	assert.False(t, ok)
	_, ok = WorkspaceIDFromContext(ctx)
	assert.False(t, ok)
	assert.Empty(t, DecisionIDFromContext(ctx))
	_, ok = TraceIDFromContext(ctx)
	assert.False(t, ok)
	_, ok = SpanIDFromContext(ctx)
	assert.False(t, ok)
}
