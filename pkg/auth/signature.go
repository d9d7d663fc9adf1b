package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
)

// CanonicalSignatureHeader is the header the platform is expected to use.
const CanonicalSignatureHeader = "Clockify-Signature"

// alternateSignatureHeaders are accepted for compatibility, in lookup
// order. Using one of them is logged and counted.
var alternateSignatureHeaders = []string{
	"Clockify-Webhook-Signature",
	"X-Clockify-Signature",
	"X-Clockify-Webhook-Signature",
}

// signatureSource names where a signature value was found.
type signatureSource struct {
	header    string
	canonical bool
}

// resolveSignature returns the first non-blank signature in h. Header names
// are matched case-insensitively because [http.Header.Get] canonicalizes.
// An Authorization bearer token is consulted last.
func resolveSignature(h http.Header) (string, signatureSource, bool) {
	if v := strings.TrimSpace(h.Get(CanonicalSignatureHeader)); v != "" {
		return v, signatureSource{header: CanonicalSignatureHeader, canonical: true}, true
	}
	for _, name := range alternateSignatureHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v, signatureSource{header: name}, true
		}
	}
	if token, ok := ExtractBearerToken(h.Get("Authorization")); ok {
		return token, signatureSource{header: "Authorization"}, true
	}
	return "", signatureSource{}, false
}

// ExtractBearerToken returns the token of an "Authorization: Bearer <token>"
// header value. The scheme is matched case-insensitively.
func ExtractBearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// looksLikeJWT reports whether v has the three dot-separated segments of a
// compact JWS. HMAC digests never contain dots.
func looksLikeJWT(v string) bool {
	return strings.Count(v, ".") == 2 && !strings.HasPrefix(v, "sha256=")
}

// ComputeSignature returns the "sha256=<hex>" HMAC-SHA256 of body keyed by
// secret, in the form the platform sends.
func ComputeSignature(secret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(hmacSHA256([]byte(secret), body))
}

// VerifyHMAC reports whether provided is a valid HMAC-SHA256 of body under
// secret. provided may be "sha256=<hex>", bare hex, or standard or URL-safe
// base64. The digest comparison is constant time.
func VerifyHMAC(provided string, body []byte, secret string) bool {
	if secret == "" {
		return false
	}
	got, ok := decodeDigest(provided)
	if !ok {
		return false
	}
	want := hmacSHA256([]byte(secret), body)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// decodeDigest turns the supported encodings into a raw 32-byte digest.
func decodeDigest(v string) ([]byte, bool) {
	v = strings.TrimSpace(v)
	if prefix, rest, found := strings.Cut(v, "="); found && strings.EqualFold(prefix, "sha256") {
		v = strings.TrimSpace(rest)
	}
	if len(v) == hex.EncodedLen(sha256.Size) {
		if b, err := hex.DecodeString(v); err == nil {
			return b, true
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(v); err == nil && len(b) == sha256.Size {
			return b, true
		}
	}
	return nil, false
}
