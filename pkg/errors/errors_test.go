package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without cause",
			err:  New(CodeIssuerMismatch, "auth: token issuer is not trusted"),
			want: "AUTH_008: auth: token issuer is not trusted",
		},
		{
			name: "with cause",
			err:  Wrap(errors.New("connection refused"), CodeKeySourceUnavailable, "auth: key set fetch failed"),
			want: "UNAVAIL_003: auth: key set fetch failed: connection refused",
		},
		{
			name: "with nested coded cause",
			err:  Wrap(New(CodeTimeoutDependency, "deadline"), CodeInternal, "outer"),
			want: "INT_001: outer: TIMEOUT_003: deadline",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrap_NilReturnsNil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Wrap(nil, CodeInternal, "x"))
	assert.Nil(t, Wrapf(nil, CodeInternal, "x %d", 1))
	assert.Nil(t, FromError(nil))
}

func TestError_UnwrapSupportsIs(t *testing.T) {
	t.Parallel()
	err := Wrap(context.DeadlineExceeded, CodeTimeoutDependency, "fetch timed out")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	wrapped := fmt.Errorf("admission: %w", err)
	e, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeTimeoutDependency, e.Code)
}

func TestError_WithDetailDoesNotMutate(t *testing.T) {
	t.Parallel()
	base := New(CodeUnknownKeyID, "auth: unknown key id").WithDetail("kid", "k1")
	derived := base.WithDetail("source", "remote")

	assert.Equal(t, map[string]any{"kid": "k1"}, base.Details)
	assert.Equal(t, map[string]any{"kid": "k1", "source": "remote"}, derived.Details)
	assert.Equal(t, base.Code, derived.Code)
}

func TestError_FormatPlusV(t *testing.T) {
	t.Parallel()
	err := Wrap(errors.New("boom"), CodeInternal, "failed").WithDetail("k", "v")
	out := fmt.Sprintf("%+v", err)
	assert.Contains(t, out, `Code: "INT_001"`)
	assert.Contains(t, out, "Details: map[k:v]")
	assert.Contains(t, out, "Cause: boom")
	assert.Equal(t, err.Error(), fmt.Sprintf("%v", err))
}

func TestFromError(t *testing.T) {
	t.Parallel()
	coded := New(CodeRateLimitExceeded, "slow down")
	assert.Same(t, coded, FromError(fmt.Errorf("wrap: %w", coded)))

	plain := FromError(errors.New("plain"))
	assert.Equal(t, CodeInternal, plain.Code)
}

func TestCategoryChecks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"authentication", New(CodeSignatureMismatch, ""), IsAuthentication, true},
		{"authentication excludes authz", New(CodeAudienceMismatch, ""), IsAuthentication, false},
		{"authorization", New(CodeSubjectMismatch, ""), IsAuthorization, true},
		{"precondition", New(CodeWorkspaceTokenNotFound, ""), IsPrecondition, true},
		{"rate limited", New(CodeRateLimitExceeded, "x"), IsRateLimited, true},
		{"validation", New(CodeInvalidPath, ""), IsValidation, true},
		{"not found", Newf(CodeNotFound, "workspace %q", "ws"), IsNotFound, true},
		{"unavailable", New(CodeKeySourceUnavailable, ""), IsUnavailable, true},
		{"timeout", New(CodeTimeoutDatabase, ""), IsTimeout, true},
		{"plain error", errors.New("x"), IsInternal, false},
		{"nil", nil, IsAuthentication, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	assert.True(t, IsRetryable(New(CodeKeySourceUnavailable, "")))
	assert.True(t, IsRetryable(New(CodeTimeoutDependency, "")))
	assert.False(t, IsRetryable(New(CodeTokenExpired, "")))
	assert.False(t, IsRetryable(New(CodeRateLimitExceeded, "")))
	assert.False(t, IsRetryable(errors.New("x")))
}

func TestClientServerError(t *testing.T) {
	t.Parallel()
	assert.True(t, IsClientError(New(CodeRateLimitExceeded, "")))
	assert.True(t, IsClientError(New(CodeWorkspaceTokenNotFound, "")))
	assert.False(t, IsClientError(New(CodeInternalDatabase, "")))
	assert.True(t, IsServerError(New(CodeInternalDatabase, "")))
	assert.False(t, IsServerError(New(CodeTokenExpired, "")))
	assert.False(t, IsServerError(nil))
}

func TestHasCode(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("gate: %w", New(CodeWorkspaceTokenNotFound, "no token"))
	assert.True(t, HasCode(err, CodeWorkspaceTokenNotFound))
	assert.False(t, HasCode(err, CodeNotFound))
	assert.Equal(t, Code(""), GetCode(errors.New("x")))
}
