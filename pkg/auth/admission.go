package auth

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
	"github.com/StricklySoft/addon-admission/pkg/events"
	"github.com/StricklySoft/addon-admission/pkg/tokenstore"
)

// Method names the strategy that admitted a request.
type Method string

const (
	MethodNone      Method = ""
	MethodJWT       Method = "jwt"
	MethodHMAC      Method = "hmac"
	MethodDevBypass Method = "dev_bypass"
)

// Public deny messages. The precise cause is carried in
// AdmissionResult.Err, the logs and the span.
const (
	MsgWorkspaceMissing  = "workspace id missing"
	MsgTokenNotFound     = "token not found"
	MsgStoreUnavailable  = "token store unavailable"
	MsgSignatureMissing  = "signature header missing"
	MsgInvalidSignature  = "invalid signature"
	MsgInvalidJWT        = "invalid jwt"
	MsgTokenExpired      = "token expired"
	MsgInvalidAudience   = "invalid jwt audience"
	MsgInvalidSubject    = "invalid jwt subject"
	MsgWorkspaceMismatch = "workspace mismatch"
	MsgInvalidTokenType  = "invalid jwt type"
)

const (
	// DefaultRequiredType is the token type platform webhooks carry.
	DefaultRequiredType = "addon"

	DefaultGateEnvironment = "production"

	workspaceClaim = "workspaceId"
	tokenTypeClaim = "type"
)

// devEnvironments are the only environment labels under which the
// development bypass may be enabled.
var devEnvironments = []string{"dev", "development", "local", "test"}

// IsDevEnvironment reports whether env is one of the development labels.
func IsDevEnvironment(env string) bool {
	return slices.Contains(devEnvironments, strings.ToLower(strings.TrimSpace(env)))
}

// Request is the part of an inbound request the gate looks at. Body must be
// the exact bytes received; HMAC is computed over it.
type Request struct {
	Header http.Header
	Body   []byte
}

// AdmissionResult is the gate's decision. A denied result always carries a
// non-zero HTTPStatus, a public Message and the internal Err.
type AdmissionResult struct {
	Allowed    bool
	HTTPStatus int
	Message    string
	Reason     sserr.Code
	Method     Method
	Claims     *DecodedClaims

	// Err is the detailed cause of a deny. It is for logs only.
	Err error
}

// TokenLookup resolves the installation credentials of a workspace. A
// missing workspace must be reported with an [sserr.CodeNotFound] error.
type TokenLookup interface {
	Get(ctx context.Context, workspaceID string) (*tokenstore.WorkspaceToken, error)
}

// GateConfig holds the gate's policy switches.
type GateConfig struct {
	// AllowHMAC enables the shared-secret signature path for requests that
	// do not carry a JWT.
	AllowHMAC bool

	// RequiredTokenType, when set, must match the token's "type" claim
	// case-insensitively.
	RequiredTokenType string

	// DevAcceptUnverified admits tokens that fail verification. It is only
	// honored when Environment is a development label.
	DevAcceptUnverified bool

	// Environment is the deployment label, e.g. "production" or "dev".
	Environment string
}

// DefaultGateConfig returns the production defaults: HMAC compatibility on,
// token type "addon", no bypass.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		AllowHMAC:         true,
		RequiredTokenType: DefaultRequiredType,
		Environment:       DefaultGateEnvironment,
	}
}

// GateOption configures an [AdmissionGate].
type GateOption func(*AdmissionGate)

// WithGateLogger sets the logger. Defaults to slog.Default().
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *AdmissionGate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGateEvents sets the event sink. Defaults to events.Nop.
func WithGateEvents(s events.Sink) GateOption {
	return func(g *AdmissionGate) {
		if s != nil {
			g.events = s
		}
	}
}

// WithGateClock overrides the clock used for rotation grace checks.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *AdmissionGate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithGateTracer overrides the tracer used for admission spans.
func WithGateTracer(t trace.Tracer) GateOption {
	return func(g *AdmissionGate) {
		if t != nil {
			g.tracer = t
		}
	}
}

// AdmissionGate decides whether an inbound platform request is admitted.
// It is safe for concurrent use.
type AdmissionGate struct {
	cfg       GateConfig
	lookup    TokenLookup
	verifier  *TokenVerifier
	devBypass bool
	logger    *slog.Logger
	events    events.Sink
	now       func() time.Time
	tracer    trace.Tracer
}

// NewAdmissionGate builds a gate. Setting DevAcceptUnverified outside a
// development environment is a configuration error, not a silent no-op.
func NewAdmissionGate(cfg GateConfig, lookup TokenLookup, verifier *TokenVerifier, opts ...GateOption) (*AdmissionGate, error) {
	if lookup == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: token lookup is required")
	}
	if verifier == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: token verifier is required")
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.RequiredTokenType = strings.TrimSpace(cfg.RequiredTokenType)
	if cfg.DevAcceptUnverified && !IsDevEnvironment(cfg.Environment) {
		return nil, sserr.Newf(sserr.CodeInternalConfiguration,
			"auth: unverified token acceptance cannot be enabled in environment %q", cfg.Environment)
	}

	g := &AdmissionGate{
		cfg:       cfg,
		lookup:    lookup,
		verifier:  verifier,
		devBypass: cfg.DevAcceptUnverified,
		logger:    slog.Default(),
		events:    events.Nop{},
		now:       time.Now,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.devBypass {
		g.logger.Warn("auth: development bypass enabled; unverified tokens will be admitted",
			"environment", cfg.Environment)
	}
	return g, nil
}

// Config returns the gate's effective configuration.
func (g *AdmissionGate) Config() GateConfig { return g.cfg }

// Admit decides a webhook request for workspaceID. addonIdentity is the
// expected JWT subject; an empty value skips the subject check.
func (g *AdmissionGate) Admit(ctx context.Context, req Request, workspaceID, addonIdentity string) AdmissionResult {
	ctx, span := startSpan(ctx, g.tracer, "auth.Admit")
	defer span.End()

	workspaceID = strings.TrimSpace(workspaceID)
	span.SetAttributes(attribute.String("addon.workspace_id", workspaceID))

	res := g.admit(ctx, req, workspaceID, strings.TrimSpace(addonIdentity))
	g.record(ctx, span, res, "webhook", workspaceID)
	return res
}

func (g *AdmissionGate) admit(ctx context.Context, req Request, workspaceID, addonIdentity string) AdmissionResult {
	if workspaceID == "" {
		return deny(http.StatusUnauthorized, MsgWorkspaceMissing,
			sserr.New(sserr.CodeAuthentication, "auth: request carries no workspace id"))
	}

	tok, err := g.lookup.Get(ctx, workspaceID)
	switch {
	case err != nil && sserr.IsNotFound(err):
		return deny(http.StatusPreconditionFailed, MsgTokenNotFound,
			sserr.Wrap(err, sserr.CodeWorkspaceTokenNotFound, "auth: workspace has no installation token"))
	case err != nil:
		return deny(http.StatusServiceUnavailable, MsgStoreUnavailable,
			sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: token store lookup failed"))
	case tok == nil:
		return deny(http.StatusPreconditionFailed, MsgTokenNotFound,
			sserr.New(sserr.CodeWorkspaceTokenNotFound, "auth: workspace has no installation token"))
	}

	sig, ok := g.signature(ctx, req.Header, workspaceID)
	if !ok {
		return deny(http.StatusUnauthorized, MsgSignatureMissing,
			sserr.New(sserr.CodeSignatureMissing, "auth: request carries no signature"))
	}

	if looksLikeJWT(sig) {
		return g.admitJWT(ctx, sig, workspaceID, addonIdentity)
	}
	if !g.cfg.AllowHMAC {
		return deny(http.StatusUnauthorized, MsgInvalidSignature,
			sserr.New(sserr.CodeSignatureMismatch, "auth: signature is not a JWT and HMAC is disabled"))
	}
	return g.admitHMAC(ctx, sig, req.Body, tok)
}

// AdmitLifecycle decides an install or uninstall callback. Only JWTs are
// accepted and no stored token is consulted.
func (g *AdmissionGate) AdmitLifecycle(ctx context.Context, req Request, addonIdentity string) AdmissionResult {
	ctx, span := startSpan(ctx, g.tracer, "auth.AdmitLifecycle")
	defer span.End()

	res := g.admitLifecycle(ctx, req, strings.TrimSpace(addonIdentity))
	g.record(ctx, span, res, "lifecycle", "")
	return res
}

func (g *AdmissionGate) admitLifecycle(ctx context.Context, req Request, addonIdentity string) AdmissionResult {
	sig, ok := g.signature(ctx, req.Header, "")
	if !ok {
		return deny(http.StatusUnauthorized, MsgSignatureMissing,
			sserr.New(sserr.CodeSignatureMissing, "auth: lifecycle request carries no signature"))
	}
	if !looksLikeJWT(sig) {
		return deny(http.StatusUnauthorized, MsgInvalidSignature,
			sserr.New(sserr.CodeSignatureMismatch, "auth: lifecycle signature is not a JWT"))
	}
	return g.admitJWT(ctx, sig, "", addonIdentity)
}

// signature resolves the signature value and reports non-canonical header
// usage.
func (g *AdmissionGate) signature(ctx context.Context, h http.Header, workspaceID string) (string, bool) {
	sig, src, ok := resolveSignature(h)
	if ok && !src.canonical {
		g.logger.WarnContext(ctx, "auth: signature received under non-canonical header",
			"header", src.header,
			"workspace_id", workspaceID,
		)
		g.events.Emit(ctx, events.Event{
			Name:   events.NonCanonicalHeader,
			Reason: src.header,
		})
	}
	return sig, ok
}

func (g *AdmissionGate) admitJWT(ctx context.Context, token, workspaceID, addonIdentity string) AdmissionResult {
	claims, err := g.verifier.Verify(ctx, token)
	if err != nil {
		if g.devBypass {
			return g.bypass(ctx, token, workspaceID, err)
		}
		status, msg := verifyFailure(err)
		return deny(status, msg, err)
	}

	if addonIdentity != "" && claims.Subject != addonIdentity {
		cause := sserr.New(sserr.CodeSubjectMismatch, "auth: token subject is not this add-on").
			WithDetail("sub", claims.Subject)
		if g.devBypass {
			return g.bypass(ctx, token, workspaceID, cause)
		}
		return deny(http.StatusForbidden, MsgInvalidSubject, cause)
	}

	// The workspace claim is enforced even under the bypass.
	if workspaceMismatch(claims.Raw, workspaceID) {
		ws, _ := claims.StringClaim(workspaceClaim)
		return deny(http.StatusForbidden, MsgWorkspaceMismatch,
			sserr.New(sserr.CodeWorkspaceMismatch, "auth: token workspace does not match request").
				WithDetail("token_workspace_id", ws))
	}

	if want := g.cfg.RequiredTokenType; want != "" {
		typ, _ := claims.StringClaim(tokenTypeClaim)
		if !strings.EqualFold(strings.TrimSpace(typ), want) {
			cause := sserr.New(sserr.CodeTokenTypeMismatch, "auth: token type is not accepted").
				WithDetail("type", typ)
			if g.devBypass {
				return g.bypass(ctx, token, workspaceID, cause)
			}
			return deny(http.StatusForbidden, MsgInvalidTokenType, cause)
		}
	}

	return AdmissionResult{
		Allowed:    true,
		HTTPStatus: http.StatusOK,
		Method:     MethodJWT,
		Claims:     claims,
	}
}

// bypass admits a token that failed verification, provided its workspace
// claim does not contradict the request.
func (g *AdmissionGate) bypass(ctx context.Context, token, workspaceID string, cause error) AdmissionResult {
	raw := unverifiedPayload(token)
	if workspaceMismatch(raw, workspaceID) {
		return deny(http.StatusForbidden, MsgWorkspaceMismatch,
			sserr.Wrap(cause, sserr.CodeWorkspaceMismatch, "auth: bypassed token workspace does not match request"))
	}

	g.logger.WarnContext(ctx, "auth: development bypass admitted an unverified token",
		"workspace_id", workspaceID,
		"cause", cause,
	)
	g.events.Emit(ctx, events.Event{
		Name:   events.DevBypass,
		Reason: sserr.GetCode(cause).String(),
	})

	claims := &DecodedClaims{Raw: raw}
	claims.Issuer, _ = raw["iss"].(string)
	claims.Subject, _ = raw["sub"].(string)
	return AdmissionResult{
		Allowed:    true,
		HTTPStatus: http.StatusOK,
		Method:     MethodDevBypass,
		Claims:     claims,
		Err:        cause,
	}
}

func (g *AdmissionGate) admitHMAC(ctx context.Context, sig string, body []byte, tok *tokenstore.WorkspaceToken) AdmissionResult {
	now := g.now()
	for i, secret := range tok.Secrets(now) {
		if !VerifyHMAC(sig, body, secret) {
			continue
		}
		if i > 0 {
			g.logger.InfoContext(ctx, "auth: request signed with previous installation secret",
				"workspace_id", tok.WorkspaceID,
				"grace_until", tok.GraceUntil,
			)
		}
		return AdmissionResult{
			Allowed:    true,
			HTTPStatus: http.StatusOK,
			Method:     MethodHMAC,
		}
	}
	return deny(http.StatusUnauthorized, MsgInvalidSignature,
		sserr.New(sserr.CodeSignatureMismatch, "auth: HMAC signature does not match"))
}

// record annotates the span, logs denies and emits the outcome event.
func (g *AdmissionGate) record(ctx context.Context, span trace.Span, res AdmissionResult, kind, workspaceID string) {
	span.SetAttributes(
		attribute.Bool("auth.allowed", res.Allowed),
		attribute.String("auth.method", string(res.Method)),
		attribute.Int("http.response.status_code", res.HTTPStatus),
	)

	if res.Allowed {
		g.events.Emit(ctx, events.Event{
			Name:   events.AdmissionAllowed,
			Reason: string(res.Method),
			Fields: map[string]string{"kind": kind, "workspace_id": workspaceID},
		})
		return
	}

	span.SetAttributes(attribute.String("auth.deny_code", res.Reason.String()))
	finishSpan(span, res.Err)
	traceID, _ := TraceIDFromContext(ctx)
	spanID, _ := SpanIDFromContext(ctx)
	g.logger.WarnContext(ctx, "auth: request denied",
		"decision_id", DecisionIDFromContext(ctx),
		"trace_id", traceID,
		"span_id", spanID,
		"kind", kind,
		"workspace_id", workspaceID,
		"status", res.HTTPStatus,
		"reason", res.Reason.String(),
		"error", res.Err,
	)
	g.events.Emit(ctx, events.Event{
		Name:   events.AdmissionDenied,
		Reason: res.Reason.String(),
		Fields: map[string]string{
			"kind":         kind,
			"workspace_id": workspaceID,
			"status":       strconv.Itoa(res.HTTPStatus),
		},
	})
}

func deny(status int, message string, err error) AdmissionResult {
	return AdmissionResult{
		HTTPStatus: status,
		Message:    message,
		Reason:     sserr.GetCode(err),
		Err:        err,
	}
}

// verifyFailure maps a verifier error to a status and public message.
// Scope failures are 403; everything else means the token is not trusted.
func verifyFailure(err error) (int, string) {
	switch sserr.GetCode(err) {
	case sserr.CodeAudienceMismatch:
		return http.StatusForbidden, MsgInvalidAudience
	case sserr.CodeSubjectMismatch:
		return http.StatusForbidden, MsgInvalidSubject
	case sserr.CodeTokenExpired:
		return http.StatusUnauthorized, MsgTokenExpired
	default:
		return http.StatusUnauthorized, MsgInvalidJWT
	}
}

// workspaceMismatch reports a present, non-blank workspace claim that
// differs from workspaceID. It never fires when workspaceID is empty.
func workspaceMismatch(raw map[string]any, workspaceID string) bool {
	if workspaceID == "" {
		return false
	}
	ws, _ := raw[workspaceClaim].(string)
	ws = strings.TrimSpace(ws)
	return ws != "" && ws != workspaceID
}

// unverifiedPayload decodes a token's payload without checking anything.
// A token that cannot be decoded yields an empty map.
func unverifiedPayload(token string) map[string]any {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil && len(mc) == 0 {
		return map[string]any{}
	}
	return map[string]any(mc)
}
