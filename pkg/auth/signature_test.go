package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/StricklySoft/addon-admission/internal/testutil/fixtures"
)

func TestResolveSignature(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		header    http.Header
		wantValue string
		wantFrom  string
		canonical bool
		found     bool
	}{
		{
			name:      "canonical header",
			header:    http.Header{"Clockify-Signature": {"abc"}},
			wantValue: "abc", wantFrom: CanonicalSignatureHeader, canonical: true, found: true,
		},
		{
			name:      "canonical header in lower case",
			header:    headerOf("clockify-signature", "abc"),
			wantValue: "abc", wantFrom: CanonicalSignatureHeader, canonical: true, found: true,
		},
		{
			name:      "alternate header",
			header:    headerOf("x-clockify-webhook-signature", " abc "),
			wantValue: "abc", wantFrom: "X-Clockify-Webhook-Signature", found: true,
		},
		{
			name: "canonical wins over alternate",
			header: http.Header{
				"Clockify-Signature":         {"canon"},
				"Clockify-Webhook-Signature": {"alt"},
			},
			wantValue: "canon", wantFrom: CanonicalSignatureHeader, canonical: true, found: true,
		},
		{
			name:      "blank canonical falls through",
			header:    http.Header{"Clockify-Signature": {"  "}, "X-Clockify-Signature": {"alt"}},
			wantValue: "alt", wantFrom: "X-Clockify-Signature", found: true,
		},
		{
			name:      "bearer token",
			header:    http.Header{"Authorization": {"bearer a.b.c"}},
			wantValue: "a.b.c", wantFrom: "Authorization", found: true,
		},
		{
			name:   "basic auth is ignored",
			header: http.Header{"Authorization": {"Basic dXNlcjpwYXNz"}},
		},
		{
			name:   "nothing",
			header: http.Header{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, src, ok := resolveSignature(tt.header)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.wantValue, v)
			assert.Equal(t, tt.wantFrom, src.header)
			assert.Equal(t, tt.canonical, src.canonical)
		})
	}
}

func headerOf(name, value string) http.Header {
	h := http.Header{}
	h.Set(name, value)
	return h
}

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()
	tok, ok := ExtractBearerToken("Bearer   tok  ")
	assert.True(t, ok)
	assert.Equal(t, "tok", tok)

	_, ok = ExtractBearerToken("Bearer ")
	assert.False(t, ok)
	_, ok = ExtractBearerToken("tok")
	assert.False(t, ok)
}

func TestLooksLikeJWT(t *testing.T) {
	t.Parallel()
	assert.True(t, looksLikeJWT("a.b.c"))
	assert.False(t, looksLikeJWT("a.b"))
	assert.False(t, looksLikeJWT("sha256=abc"))
	assert.False(t, looksLikeJWT(strings.Repeat("f", 64)))
}

func TestVerifyHMAC_Encodings(t *testing.T) {
	t.Parallel()
	body := []byte(fixtures.WebhookBody)
	mac := hmac.New(sha256.New, []byte(fixtures.InstallToken))
	mac.Write(body)
	digest := mac.Sum(nil)

	accepted := map[string]string{
		"prefixed hex":   "sha256=" + hex.EncodeToString(digest),
		"upper prefix":   "SHA256=" + hex.EncodeToString(digest),
		"bare hex":       hex.EncodeToString(digest),
		"std base64":     base64.StdEncoding.EncodeToString(digest),
		"raw url base64": base64.RawURLEncoding.EncodeToString(digest),
		"computed":       ComputeSignature(fixtures.InstallToken, body),
	}
	for name, sig := range accepted {
		assert.True(t, VerifyHMAC(sig, body, fixtures.InstallToken), name)
	}

	assert.False(t, VerifyHMAC(accepted["bare hex"], body, "other-secret"))
	assert.False(t, VerifyHMAC(accepted["bare hex"], []byte(fixtures.WebhookBody+" "), fixtures.InstallToken))
	assert.False(t, VerifyHMAC(accepted["bare hex"], body, ""))
	assert.False(t, VerifyHMAC("sha256=zz", body, fixtures.InstallToken))
	assert.False(t, VerifyHMAC(hex.EncodeToString(digest[:16]), body, fixtures.InstallToken))
}
