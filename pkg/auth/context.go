package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKey is an unexported type used for context keys in this package.
type contextKey int

const (
	// admissionKey stores the admitted request's admission record.
	admissionKey contextKey = iota

	// decisionIDKey stores the id correlating a decision across logs,
	// events and the response.
	decisionIDKey
)

// admission is what the HTTP middleware attaches to an admitted request.
type admission struct {
	result      AdmissionResult
	workspaceID string
}

// ContextWithAdmission attaches an allowed result and the workspace it was
// admitted for. Handlers read it back with [AdmissionFromContext].
func ContextWithAdmission(ctx context.Context, res AdmissionResult, workspaceID string) context.Context {
	return context.WithValue(ctx, admissionKey, admission{result: res, workspaceID: workspaceID})
}

// AdmissionFromContext returns the admission result of the current request.
func AdmissionFromContext(ctx context.Context) (AdmissionResult, bool) {
	a, ok := ctx.Value(admissionKey).(admission)
	return a.result, ok
}

// ClaimsFromContext returns the decoded token claims of the current
// request. It reports false for HMAC-admitted requests, which carry none.
func ClaimsFromContext(ctx context.Context) (*DecodedClaims, bool) {
	a, ok := ctx.Value(admissionKey).(admission)
	if !ok || a.result.Claims == nil {
		return nil, false
	}
	return a.result.Claims, true
}

// WorkspaceIDFromContext returns the workspace the request was admitted for.
// Lifecycle requests have none.
func WorkspaceIDFromContext(ctx context.Context) (string, bool) {
	a, ok := ctx.Value(admissionKey).(admission)
	if !ok || a.workspaceID == "" {
		return "", false
	}
	return a.workspaceID, true
}

// ContextWithDecisionID attaches a decision id.
func ContextWithDecisionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, decisionIDKey, id)
}

// DecisionIDFromContext returns the decision id, or "" when none is set.
func DecisionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(decisionIDKey).(string)
	return id
}

// TraceIDFromContext extracts the OpenTelemetry trace ID from the context.
// Returns the trace ID as a hex string and true if a valid trace is active.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}

// SpanIDFromContext extracts the OpenTelemetry span ID from the context.
func SpanIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasSpanID() {
		return "", false
	}
	return spanCtx.SpanID().String(), true
}
