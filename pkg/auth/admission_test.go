package auth

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/StricklySoft/addon-admission/internal/testutil"
	"github.com/StricklySoft/addon-admission/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
	"github.com/StricklySoft/addon-admission/pkg/events"
	"github.com/StricklySoft/addon-admission/pkg/tokenstore"
)

type gateFixture struct {
	signer *testutil.Signer
	clock  *testutil.Clock
	store  *tokenstore.MemoryStore
	rec    *events.Recorder
	gate   *AdmissionGate
}

func newGateFixture(t *testing.T, cfg GateConfig, opts ...GateOption) *gateFixture {
	t.Helper()
	f := &gateFixture{
		signer: testutil.NewRSASigner(t, "k1"),
		clock:  testutil.NewClock(verifyNow),
		rec:    &events.Recorder{},
	}
	f.store = tokenstore.NewMemoryStore(tokenstore.WithClock(f.clock.Now))
	require.NoError(t, f.store.Save(context.Background(), tokenstore.WorkspaceToken{
		WorkspaceID:        fixtures.WorkspaceID,
		InstallationSecret: fixtures.InstallToken,
		APIBaseURL:         fixtures.APIBaseURL,
	}))

	src, err := NewKeyMap(map[string]crypto.PublicKey{"k1": f.signer.Public()}, "")
	require.NoError(t, err)
	verifier, err := NewTokenVerifier(testConstraints(), src, WithClock(f.clock.Now))
	require.NoError(t, err)

	opts = append([]GateOption{WithGateEvents(f.rec), WithGateClock(f.clock.Now)}, opts...)
	f.gate, err = NewAdmissionGate(cfg, f.store, verifier, opts...)
	require.NoError(t, err)
	return f
}

func (f *gateFixture) jwt(t *testing.T, mutate ...func(jwt.MapClaims)) string {
	t.Helper()
	c := testutil.Claims(f.clock.Now())
	for _, m := range mutate {
		m(c)
	}
	return f.signer.Sign(t, c)
}

func signed(header, value string) Request {
	h := http.Header{}
	h.Set(header, value)
	return Request{Header: h, Body: []byte(fixtures.WebhookBody)}
}

func hmacRequest(secret string) Request {
	return signed(CanonicalSignatureHeader, ComputeSignature(secret, []byte(fixtures.WebhookBody)))
}

func assertDenied(t *testing.T, res AdmissionResult, status int, message string, code sserr.Code) {
	t.Helper()
	assert.False(t, res.Allowed)
	assert.Equal(t, status, res.HTTPStatus)
	assert.Equal(t, message, res.Message)
	assert.Equal(t, code, res.Reason)
	assert.Error(t, res.Err)
	assert.Equal(t, MethodNone, res.Method)
}

type failingLookup struct{ err error }

func (l failingLookup) Get(context.Context, string) (*tokenstore.WorkspaceToken, error) {
	return nil, l.err
}

func TestNewAdmissionGate_DevBypassRequiresDevEnvironment(t *testing.T) {
	t.Parallel()
	src, err := NewStaticKey(testutil.NewECSigner(t, "").Public())
	require.NoError(t, err)
	verifier, err := NewTokenVerifier(testConstraints(), src)
	require.NoError(t, err)
	store := tokenstore.NewMemoryStore()

	for _, env := range []string{"production", "prod", "staging", ""} {
		cfg := DefaultGateConfig()
		cfg.DevAcceptUnverified = true
		cfg.Environment = env
		_, err := NewAdmissionGate(cfg, store, verifier)
		testutil.AssertErrorCode(t, err, sserr.CodeInternalConfiguration, env)
	}
	for _, env := range []string{"dev", "Development", " local ", "test"} {
		cfg := DefaultGateConfig()
		cfg.DevAcceptUnverified = true
		cfg.Environment = env
		_, err := NewAdmissionGate(cfg, store, verifier)
		assert.NoError(t, err, env)
	}

	_, err = NewAdmissionGate(DefaultGateConfig(), nil, verifier)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
	_, err = NewAdmissionGate(DefaultGateConfig(), store, nil)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
}

func TestAdmit_ValidJWT(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())

	res := f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, f.jwt(t)), fixtures.WorkspaceID, fixtures.AddonKey)

	require.True(t, res.Allowed, "denied: %v", res.Err)
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, MethodJWT, res.Method)
	require.NotNil(t, res.Claims)
	assert.Equal(t, fixtures.AddonKey, res.Claims.Subject)
	assert.Equal(t, 1, f.rec.Count(events.AdmissionAllowed))
	assert.Zero(t, f.rec.Count(events.AdmissionDenied))
	assert.Zero(t, f.rec.Count(events.NonCanonicalHeader))
}

func TestAdmit_ScopeChecks(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())

	tests := []struct {
		name    string
		mutate  func(jwt.MapClaims)
		status  int
		message string
		code    sserr.Code
	}{
		{
			name:    "subject is another add-on",
			mutate:  func(c jwt.MapClaims) { c["sub"] = fixtures.OtherAddon },
			status:  http.StatusForbidden,
			message: MsgInvalidSubject,
			code:    sserr.CodeSubjectMismatch,
		},
		{
			name:    "workspace claim differs",
			mutate:  func(c jwt.MapClaims) { c["workspaceId"] = fixtures.OtherWS },
			status:  http.StatusForbidden,
			message: MsgWorkspaceMismatch,
			code:    sserr.CodeWorkspaceMismatch,
		},
		{
			name:    "wrong token type",
			mutate:  func(c jwt.MapClaims) { c["type"] = "user" },
			status:  http.StatusForbidden,
			message: MsgInvalidTokenType,
			code:    sserr.CodeTokenTypeMismatch,
		},
		{
			name:    "missing token type",
			mutate:  func(c jwt.MapClaims) { delete(c, "type") },
			status:  http.StatusForbidden,
			message: MsgInvalidTokenType,
			code:    sserr.CodeTokenTypeMismatch,
		},
		{
			name:    "audience for another add-on",
			mutate:  func(c jwt.MapClaims) { c["aud"] = fixtures.OtherAddon },
			status:  http.StatusForbidden,
			message: MsgInvalidAudience,
			code:    sserr.CodeAudienceMismatch,
		},
		{
			name:    "expired",
			mutate:  func(c jwt.MapClaims) { c["exp"] = verifyNow.Add(-time.Hour).Unix() },
			status:  http.StatusUnauthorized,
			message: MsgTokenExpired,
			code:    sserr.CodeTokenExpired,
		},
		{
			name:    "untrusted issuer",
			mutate:  func(c jwt.MapClaims) { c["iss"] = "elsewhere" },
			status:  http.StatusUnauthorized,
			message: MsgInvalidJWT,
			code:    sserr.CodeIssuerMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, f.jwt(t, tt.mutate)), fixtures.WorkspaceID, fixtures.AddonKey)
			assertDenied(t, res, tt.status, tt.message, tt.code)
		})
	}
}

func TestAdmit_TokenTypeIsCaseInsensitive(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())
	token := f.jwt(t, func(c jwt.MapClaims) { c["type"] = "ADDON" })

	res := f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, token), fixtures.WorkspaceID, fixtures.AddonKey)
	assert.True(t, res.Allowed, "denied: %v", res.Err)
}

func TestAdmit_WorkspaceClaimIsOptional(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())

	for _, value := range []any{nil, "", "   "} {
		token := f.jwt(t, func(c jwt.MapClaims) {
			if value == nil {
				delete(c, "workspaceId")
				return
			}
			c["workspaceId"] = value
		})
		res := f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, token), fixtures.WorkspaceID, fixtures.AddonKey)
		assert.True(t, res.Allowed, "workspaceId=%v denied: %v", value, res.Err)
	}
}

func TestAdmit_ForgedSignature(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())
	forged := testutil.NewRSASigner(t, "k1").Sign(t, testutil.Claims(verifyNow))

	res := f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, forged), fixtures.WorkspaceID, fixtures.AddonKey)
	assertDenied(t, res, http.StatusUnauthorized, MsgInvalidJWT, sserr.CodeSignatureMismatch)
	assert.Equal(t, 1, f.rec.Count(events.AdmissionDenied))
	assert.Equal(t, sserr.CodeSignatureMismatch.String(), f.rec.Events()[0].Reason)
}

func TestAdmit_RequestProblems(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())

	res := f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, f.jwt(t)), "  ", fixtures.AddonKey)
	assertDenied(t, res, http.StatusUnauthorized, MsgWorkspaceMissing, sserr.CodeAuthentication)

	res = f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, f.jwt(t)), "ws-unknown", fixtures.AddonKey)
	assertDenied(t, res, http.StatusPreconditionFailed, MsgTokenNotFound, sserr.CodeWorkspaceTokenNotFound)

	res = f.gate.Admit(context.Background(), Request{Header: http.Header{}}, fixtures.WorkspaceID, fixtures.AddonKey)
	assertDenied(t, res, http.StatusUnauthorized, MsgSignatureMissing, sserr.CodeSignatureMissing)
}

func TestAdmit_StoreFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	src, err := NewStaticKey(testutil.NewECSigner(t, "").Public())
	require.NoError(t, err)
	verifier, err := NewTokenVerifier(testConstraints(), src)
	require.NoError(t, err)
	lookup := failingLookup{err: sserr.New(sserr.CodeInternalDatabase, "connection refused")}
	gate, err := NewAdmissionGate(DefaultGateConfig(), lookup, verifier)
	require.NoError(t, err)

	res := gate.Admit(context.Background(), hmacRequest(fixtures.InstallToken), fixtures.WorkspaceID, fixtures.AddonKey)
	assertDenied(t, res, http.StatusServiceUnavailable, MsgStoreUnavailable, sserr.CodeUnavailableDependency)
	assert.ErrorIs(t, res.Err, lookup.err)
}

func TestAdmit_HMAC(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())

	res := f.gate.Admit(context.Background(), hmacRequest(fixtures.InstallToken), fixtures.WorkspaceID, fixtures.AddonKey)
	require.True(t, res.Allowed, "denied: %v", res.Err)
	assert.Equal(t, MethodHMAC, res.Method)
	assert.Nil(t, res.Claims)

	res = f.gate.Admit(context.Background(), hmacRequest("not-the-secret"), fixtures.WorkspaceID, fixtures.AddonKey)
	assertDenied(t, res, http.StatusUnauthorized, MsgInvalidSignature, sserr.CodeSignatureMismatch)

	tampered := hmacRequest(fixtures.InstallToken)
	tampered.Body = append([]byte(nil), tampered.Body...)
	tampered.Body[len(tampered.Body)-2] = ' '
	res = f.gate.Admit(context.Background(), tampered, fixtures.WorkspaceID, fixtures.AddonKey)
	assertDenied(t, res, http.StatusUnauthorized, MsgInvalidSignature, sserr.CodeSignatureMismatch)
}

func TestAdmit_HMACDisabled(t *testing.T) {
	t.Parallel()
	cfg := DefaultGateConfig()
	cfg.AllowHMAC = false
	f := newGateFixture(t, cfg)

	res := f.gate.Admit(context.Background(), hmacRequest(fixtures.InstallToken), fixtures.WorkspaceID, fixtures.AddonKey)
	assertDenied(t, res, http.StatusUnauthorized, MsgInvalidSignature, sserr.CodeSignatureMismatch)

	res = f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, f.jwt(t)), fixtures.WorkspaceID, fixtures.AddonKey)
	assert.True(t, res.Allowed, "denied: %v", res.Err)
}

func TestAdmit_PreviousSecretDuringGrace(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())
	rotator := tokenstore.NewRotator(f.store,
		tokenstore.WithGracePeriod(15*time.Minute),
		tokenstore.WithRotatorClock(f.clock.Now))
	require.NoError(t, rotator.Rotate(context.Background(), fixtures.WorkspaceID, "install-secret-v2"))

	for _, secret := range []string{"install-secret-v2", fixtures.InstallToken} {
		res := f.gate.Admit(context.Background(), hmacRequest(secret), fixtures.WorkspaceID, fixtures.AddonKey)
		assert.True(t, res.Allowed, "secret %q denied: %v", secret, res.Err)
	}

	f.clock.Advance(15 * time.Minute)
	res := f.gate.Admit(context.Background(), hmacRequest(fixtures.InstallToken), fixtures.WorkspaceID, fixtures.AddonKey)
	assertDenied(t, res, http.StatusUnauthorized, MsgInvalidSignature, sserr.CodeSignatureMismatch)

	res = f.gate.Admit(context.Background(), hmacRequest("install-secret-v2"), fixtures.WorkspaceID, fixtures.AddonKey)
	assert.True(t, res.Allowed)
}

func TestAdmit_NonCanonicalHeader(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())

	res := f.gate.Admit(context.Background(), signed("x-clockify-webhook-signature", f.jwt(t)), fixtures.WorkspaceID, fixtures.AddonKey)
	require.True(t, res.Allowed, "denied: %v", res.Err)
	require.Equal(t, 1, f.rec.Count(events.NonCanonicalHeader))
	assert.Equal(t, "X-Clockify-Webhook-Signature", f.rec.Events()[0].Reason)

	res = f.gate.Admit(context.Background(), signed("Authorization", "Bearer "+f.jwt(t)), fixtures.WorkspaceID, fixtures.AddonKey)
	require.True(t, res.Allowed, "denied: %v", res.Err)
	assert.Equal(t, 2, f.rec.Count(events.NonCanonicalHeader))
}

func TestAdmit_DevBypass(t *testing.T) {
	t.Parallel()
	cfg := DefaultGateConfig()
	cfg.DevAcceptUnverified = true
	cfg.Environment = "dev"
	f := newGateFixture(t, cfg)
	stranger := testutil.NewRSASigner(t, "k1")

	t.Run("admits unverifiable token", func(t *testing.T) {
		t.Parallel()
		token := stranger.Sign(t, testutil.Claims(verifyNow))
		res := f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, token), fixtures.WorkspaceID, fixtures.AddonKey)
		require.True(t, res.Allowed)
		assert.Equal(t, MethodDevBypass, res.Method)
		testutil.AssertErrorCode(t, res.Err, sserr.CodeSignatureMismatch)
		assert.Equal(t, fixtures.AddonKey, res.Claims.Subject)
	})

	t.Run("admits subject mismatch", func(t *testing.T) {
		t.Parallel()
		token := f.jwt(t, func(c jwt.MapClaims) { c["sub"] = fixtures.OtherAddon })
		res := f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, token), fixtures.WorkspaceID, fixtures.AddonKey)
		require.True(t, res.Allowed)
		assert.Equal(t, MethodDevBypass, res.Method)
	})

	t.Run("still enforces workspace on unverifiable token", func(t *testing.T) {
		t.Parallel()
		c := testutil.Claims(verifyNow)
		c["workspaceId"] = fixtures.OtherWS
		res := f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, stranger.Sign(t, c)), fixtures.WorkspaceID, fixtures.AddonKey)
		assertDenied(t, res, http.StatusForbidden, MsgWorkspaceMismatch, sserr.CodeWorkspaceMismatch)
	})

	t.Run("still enforces workspace on verified token", func(t *testing.T) {
		t.Parallel()
		token := f.jwt(t, func(c jwt.MapClaims) { c["workspaceId"] = fixtures.OtherWS })
		res := f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, token), fixtures.WorkspaceID, fixtures.AddonKey)
		assertDenied(t, res, http.StatusForbidden, MsgWorkspaceMismatch, sserr.CodeWorkspaceMismatch)
	})

	t.Run("does not bypass the token store", func(t *testing.T) {
		t.Parallel()
		token := stranger.Sign(t, testutil.Claims(verifyNow))
		res := f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, token), "ws-unknown", fixtures.AddonKey)
		assert.False(t, res.Allowed)
		assert.Equal(t, http.StatusPreconditionFailed, res.HTTPStatus)
	})
}

func TestAdmit_DevBypassEmitsEvent(t *testing.T) {
	t.Parallel()
	cfg := DefaultGateConfig()
	cfg.DevAcceptUnverified = true
	cfg.Environment = "local"
	f := newGateFixture(t, cfg)

	token := testutil.NewECSigner(t, "k1").Sign(t, testutil.Claims(verifyNow))
	res := f.gate.Admit(context.Background(), signed(CanonicalSignatureHeader, token), fixtures.WorkspaceID, fixtures.AddonKey)
	require.True(t, res.Allowed)
	assert.Equal(t, 1, f.rec.Count(events.DevBypass))
	assert.Equal(t, 1, f.rec.Count(events.AdmissionAllowed))
}

func TestAdmitLifecycle(t *testing.T) {
	t.Parallel()
	f := newGateFixture(t, DefaultGateConfig())
	noWorkspace := func(c jwt.MapClaims) { delete(c, "workspaceId") }

	res := f.gate.AdmitLifecycle(context.Background(), signed(CanonicalSignatureHeader, f.jwt(t, noWorkspace)), fixtures.AddonKey)
	require.True(t, res.Allowed, "denied: %v", res.Err)
	assert.Equal(t, MethodJWT, res.Method)

	// A workspace claim is fine: there is no request workspace to contradict.
	res = f.gate.AdmitLifecycle(context.Background(), signed(CanonicalSignatureHeader, f.jwt(t)), fixtures.AddonKey)
	assert.True(t, res.Allowed, "denied: %v", res.Err)

	res = f.gate.AdmitLifecycle(context.Background(), hmacRequest(fixtures.InstallToken), fixtures.AddonKey)
	assertDenied(t, res, http.StatusUnauthorized, MsgInvalidSignature, sserr.CodeSignatureMismatch)

	res = f.gate.AdmitLifecycle(context.Background(), signed(CanonicalSignatureHeader, f.jwt(t, func(c jwt.MapClaims) {
		c["sub"] = fixtures.OtherAddon
	})), fixtures.AddonKey)
	assertDenied(t, res, http.StatusForbidden, MsgInvalidSubject, sserr.CodeSubjectMismatch)

	res = f.gate.AdmitLifecycle(context.Background(), Request{}, fixtures.AddonKey)
	assertDenied(t, res, http.StatusUnauthorized, MsgSignatureMissing, sserr.CodeSignatureMissing)
}

func TestAdmit_RecordsSpans(t *testing.T) {
	t.Parallel()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	f := newGateFixture(t, DefaultGateConfig(), WithGateTracer(tp.Tracer("test")))

	res := f.gate.Admit(context.Background(), hmacRequest("wrong"), fixtures.WorkspaceID, fixtures.AddonKey)
	require.False(t, res.Allowed)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "auth.Admit", spans[0].Name())
	assert.Len(t, spans[0].Events(), 1, "the deny cause is recorded on the span")
}

func TestAdmit_DenyLogCarriesTraceIDs(t *testing.T) {
	t.Parallel()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	f := newGateFixture(t, DefaultGateConfig(), WithGateTracer(tp.Tracer("test")), WithGateLogger(logger))

	ctx := ContextWithDecisionID(context.Background(), "decision-1")
	res := f.gate.Admit(ctx, hmacRequest("wrong"), fixtures.WorkspaceID, fixtures.AddonKey)
	require.False(t, res.Allowed)

	spans := sr.Ended()
	require.Len(t, spans, 1)

	var entry map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var e map[string]any
		require.NoError(t, json.Unmarshal(line, &e))
		if e["msg"] == "auth: request denied" {
			entry = e
		}
	}
	require.NotNil(t, entry, buf.String())
	assert.Equal(t, "decision-1", entry["decision_id"])
	assert.Equal(t, spans[0].SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, spans[0].SpanContext().SpanID().String(), entry["span_id"])
}
