package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/addon-admission/internal/testutil/fixtures"
)

// Signer mints tokens with one private key. Kid, when set, is written to
// the token header.
type Signer struct {
	Kid    string
	Method jwt.SigningMethod
	key    crypto.Signer
}

// NewRSASigner returns an RS256 signer with a fresh 2048-bit key.
func NewRSASigner(t testing.TB, kid string) *Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &Signer{Kid: kid, Method: jwt.SigningMethodRS256, key: key}
}

// NewECSigner returns an ES256 signer with a fresh P-256 key.
func NewECSigner(t testing.TB, kid string) *Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &Signer{Kid: kid, Method: jwt.SigningMethodES256, key: key}
}

// Public returns the verification key.
func (s *Signer) Public() crypto.PublicKey {
	return s.key.Public()
}

// Sign returns a compact token over claims.
func (s *Signer) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(s.Method, claims)
	if s.Kid != "" {
		tok.Header["kid"] = s.Kid
	}
	signed, err := tok.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

// PublicPEM returns the PKIX PEM encoding of the public key.
func (s *Signer) PublicPEM(t testing.TB) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(s.Public())
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// JWK returns the public key as a JWKS entry.
func (s *Signer) JWK() map[string]any {
	enc := base64.RawURLEncoding.EncodeToString
	switch pub := s.Public().(type) {
	case *rsa.PublicKey:
		return map[string]any{
			"kty": "RSA", "kid": s.Kid, "use": "sig", "alg": "RS256",
			"n": enc(pub.N.Bytes()),
			"e": enc(big.NewInt(int64(pub.E)).Bytes()),
		}
	case *ecdsa.PublicKey:
		size := (pub.Curve.Params().BitSize + 7) / 8
		return map[string]any{
			"kty": "EC", "kid": s.Kid, "use": "sig", "alg": "ES256", "crv": "P-256",
			"x": enc(pub.X.FillBytes(make([]byte, size))),
			"y": enc(pub.Y.FillBytes(make([]byte, size))),
		}
	}
	return nil
}

// Claims returns a valid claim set for the fixture addon in the fixture
// workspace, issued at now and expiring five minutes later.
func Claims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":         fixtures.Issuer,
		"aud":         fixtures.Audience,
		"sub":         fixtures.AddonKey,
		"type":        fixtures.TokenType,
		"workspaceId": fixtures.WorkspaceID,
		"iat":         now.Unix(),
		"exp":         now.Add(5 * time.Minute).Unix(),
	}
}

// JWKSServer serves a mutable key set and counts requests.
type JWKSServer struct {
	*httptest.Server

	mu     sync.Mutex
	body   []byte
	status int
	hits   atomic.Int64
	delay  time.Duration
}

// NewJWKSServer starts a server publishing the given signers' keys. It is
// closed when the test ends.
func NewJWKSServer(t testing.TB, signers ...*Signer) *JWKSServer {
	t.Helper()
	s := &JWKSServer{status: http.StatusOK}
	s.SetSigners(t, signers...)
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *JWKSServer) serve(w http.ResponseWriter, _ *http.Request) {
	s.hits.Add(1)
	s.mu.Lock()
	body, status, delay := s.body, s.status, s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// SetSigners replaces the published key set.
func (s *JWKSServer) SetSigners(t testing.TB, signers ...*Signer) {
	t.Helper()
	keys := make([]map[string]any, 0, len(signers))
	for _, sg := range signers {
		keys = append(keys, sg.JWK())
	}
	s.SetRaw(t, map[string]any{"keys": keys})
}

// SetRaw publishes an arbitrary document.
func (s *JWKSServer) SetRaw(t testing.TB, doc any) {
	t.Helper()
	body, err := json.Marshal(doc)
	require.NoError(t, err)
	s.mu.Lock()
	s.body = body
	s.mu.Unlock()
}

// SetStatus makes the server answer with status.
func (s *JWKSServer) SetStatus(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetDelay makes every response wait d before writing.
func (s *JWKSServer) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Hits returns the number of requests served.
func (s *JWKSServer) Hits() int64 {
	return s.hits.Load()
}

// Clock is a settable time source for components that take a clock func.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
