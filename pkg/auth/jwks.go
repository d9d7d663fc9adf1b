package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
	"github.com/StricklySoft/addon-admission/pkg/events"
)

// HTTPClient is the subset of [http.Client] used to fetch key sets.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StalePolicy decides what a [RemoteKeySet] does when a refresh fails and
// a previously fetched snapshot exists.
type StalePolicy string

const (
	// StalePolicyFailClosed rejects verification with
	// CodeKeySourceUnavailable. Rotated-out keys stop verifying as soon as
	// the cache TTL passes, even if the endpoint is down.
	StalePolicyFailClosed StalePolicy = "fail-closed"

	// StalePolicyServeStale keeps using the last snapshot for up to
	// MaxStaleness past its TTL. Availability wins over rotation latency.
	StalePolicyServeStale StalePolicy = "serve-stale"
)

// Defaults for [RemoteKeySetConfig].
const (
	DefaultKeySetCacheTTL       = 5 * time.Minute
	DefaultKeySetHTTPTimeout    = 5 * time.Second
	DefaultKeySetMinRefresh     = 5 * time.Second
	DefaultKeySetMaxStaleness   = time.Hour
	maxKeySetDocumentSize int64 = 1 << 20
)

// RemoteKeySetConfig configures a [RemoteKeySet]. Only URI is required.
type RemoteKeySetConfig struct {
	// URI is the absolute http(s) URL of the JWKS document.
	URI string

	// CacheTTL is how long a fetched snapshot is used without refetching.
	CacheTTL time.Duration

	// HTTPTimeout bounds a single fetch, independent of the caller's
	// context, so a stuck endpoint fails verification instead of hanging.
	HTTPTimeout time.Duration

	// MinRefreshInterval limits refetches triggered by unknown key ids and
	// retries after a failed fetch.
	MinRefreshInterval time.Duration

	// StalePolicy defaults to StalePolicyFailClosed.
	StalePolicy StalePolicy

	// MaxStaleness bounds how far past its TTL a snapshot may be served
	// under StalePolicyServeStale.
	MaxStaleness time.Duration

	// HTTPClient defaults to an [http.Client] with HTTPTimeout.
	HTTPClient HTTPClient

	// Events receives rotation, skip and stale events. Defaults to Nop.
	Events events.Sink

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

func (c *RemoteKeySetConfig) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultKeySetCacheTTL
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultKeySetHTTPTimeout
	}
	if c.MinRefreshInterval <= 0 {
		c.MinRefreshInterval = DefaultKeySetMinRefresh
	}
	if c.StalePolicy == "" {
		c.StalePolicy = StalePolicyFailClosed
	}
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = DefaultKeySetMaxStaleness
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.HTTPTimeout}
	}
	if c.Events == nil {
		c.Events = events.Nop{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c *RemoteKeySetConfig) validate() error {
	u, err := url.Parse(c.URI)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"auth: key set URI %q must be an absolute http(s) URL", c.URI)
	}
	switch c.StalePolicy {
	case StalePolicyFailClosed, StalePolicyServeStale:
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration, "auth: unknown stale policy %q", c.StalePolicy)
	}
	return nil
}

// keySetSnapshot is immutable once published.
type keySetSnapshot struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

type fetchFailure struct {
	err error
	at  time.Time
}

// RemoteKeySet resolves keys from a JWKS endpoint. Snapshots are swapped
// atomically, so readers see either the previous or the new key set and
// never block on a refresh. Concurrent refreshes collapse into one fetch.
//
// RemoteKeySet is safe for concurrent use.
type RemoteKeySet struct {
	cfg    RemoteKeySetConfig
	tracer trace.Tracer
	group  singleflight.Group

	snapshot    atomic.Pointer[keySetSnapshot]
	failure     atomic.Pointer[fetchFailure]
	lastAttempt atomic.Int64
	rotations   atomic.Int64
}

// NewRemoteKeySet validates cfg and returns a RemoteKeySet. No network
// call is made until the first Resolve or [RemoteKeySet.Prefetch].
func NewRemoteKeySet(cfg RemoteKeySetConfig) (*RemoteKeySet, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &RemoteKeySet{
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
	}, nil
}

func (*RemoteKeySet) keySource() {}

// Resolve implements [KeySource]. Remote key sets have no default key, so
// tokens without a kid are rejected.
func (s *RemoteKeySet) Resolve(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if kid == "" {
		return nil, sserr.New(sserr.CodeUnknownKeyID,
			"auth: token has no key id and the remote key set has no default key")
	}

	now := s.cfg.Now()
	snap := s.snapshot.Load()
	if snap != nil && now.Sub(snap.fetchedAt) < s.cfg.CacheTTL {
		if key, ok := snap.keys[kid]; ok {
			return key, nil
		}
		// Unknown kid on a fresh snapshot: maybe a rotation we have not
		// seen yet, but do not let random kids force a fetch per request.
		if s.recentlyAttempted(now) {
			return nil, unknownKid(kid)
		}
	}

	snap, err := s.refresh(ctx, snap)
	if err != nil {
		return nil, err
	}
	key, ok := snap.keys[kid]
	if !ok {
		return nil, unknownKid(kid)
	}
	return key, nil
}

// Prefetch loads the key set now. Services call it at startup so that a
// misconfigured URI surfaces before traffic arrives.
func (s *RemoteKeySet) Prefetch(ctx context.Context) error {
	_, err := s.refresh(ctx, s.snapshot.Load())
	return err
}

// KeySetStats describes the current cache state.
type KeySetStats struct {
	KeyIDs    []string
	FetchedAt time.Time
	Rotations int64
}

// Stats returns a point-in-time view of the cache.
func (s *RemoteKeySet) Stats() KeySetStats {
	stats := KeySetStats{Rotations: s.rotations.Load()}
	if snap := s.snapshot.Load(); snap != nil {
		stats.KeyIDs = sortedKids(snap.keys)
		stats.FetchedAt = snap.fetchedAt
	}
	return stats
}

func (s *RemoteKeySet) recentlyAttempted(now time.Time) bool {
	last := s.lastAttempt.Load()
	return last != 0 && now.Sub(time.Unix(0, last)) < s.cfg.MinRefreshInterval
}

// refresh returns a snapshot that is at least as new as seen. Callers wait
// on the shared flight but may leave early when their own context ends.
func (s *RemoteKeySet) refresh(ctx context.Context, seen *keySetSnapshot) (*keySetSnapshot, error) {
	ch := s.group.DoChan("refresh", func() (any, error) {
		// Double check inside the flight: an earlier flight may already
		// have published what we need.
		if cur := s.snapshot.Load(); cur != nil && cur != seen &&
			s.cfg.Now().Sub(cur.fetchedAt) < s.cfg.CacheTTL {
			return cur, nil
		}
		return s.fetchAndPublish(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keySetSnapshot), nil
	case <-ctx.Done():
		return nil, sserr.Wrap(ctx.Err(), sserr.CodeKeySourceUnavailable,
			"auth: gave up waiting for key set refresh")
	}
}

func (s *RemoteKeySet) fetchAndPublish(ctx context.Context) (*keySetSnapshot, error) {
	now := s.cfg.Now()
	prev := s.snapshot.Load()

	if f := s.failure.Load(); f != nil && now.Sub(f.at) < s.cfg.MinRefreshInterval {
		return s.onFailure(ctx, prev, f.err, now, false)
	}

	ctx, span := startSpan(ctx, s.tracer, "auth.RefreshKeySet")
	defer span.End()
	span.SetAttributes(attribute.String("jwks.uri", s.cfg.URI))

	s.lastAttempt.Store(now.UnixNano())
	keys, err := s.fetch(ctx)
	if err != nil {
		finishSpan(span, err)
		s.failure.Store(&fetchFailure{err: err, at: now})
		return s.onFailure(ctx, prev, err, now, true)
	}
	s.failure.Store(nil)

	next := &keySetSnapshot{keys: keys, fetchedAt: now}
	s.snapshot.Store(next)
	span.SetAttributes(attribute.Int("jwks.key_count", len(keys)))

	if prev != nil && !sameKids(prev.keys, keys) {
		s.rotations.Add(1)
		oldKids, newKids := sortedKids(prev.keys), sortedKids(keys)
		s.cfg.Logger.WarnContext(ctx, "auth: key set rotation detected",
			"uri", s.cfg.URI,
			"old_kids", oldKids,
			"new_kids", newKids,
		)
		s.cfg.Events.Emit(ctx, events.Event{
			Name: events.KeySetRotated,
			Fields: map[string]string{
				"old_kids": strings.Join(oldKids, ","),
				"new_kids": strings.Join(newKids, ","),
			},
		})
	}
	return next, nil
}

// onFailure applies the stale policy. report is false when the failure is
// a remembered one and has already been logged.
func (s *RemoteKeySet) onFailure(ctx context.Context, prev *keySetSnapshot, err error, now time.Time, report bool) (*keySetSnapshot, error) {
	if report {
		s.cfg.Logger.WarnContext(ctx, "auth: key set refresh failed", "uri", s.cfg.URI, "error", err)
		s.cfg.Events.Emit(ctx, events.Event{Name: events.KeySetRefreshFailed, Reason: string(s.cfg.StalePolicy)})
	}

	if prev != nil && s.cfg.StalePolicy == StalePolicyServeStale &&
		now.Sub(prev.fetchedAt) < s.cfg.CacheTTL+s.cfg.MaxStaleness {
		s.cfg.Events.Emit(ctx, events.Event{Name: events.KeySetStaleServed})
		return prev, nil
	}
	return nil, sserr.Wrap(err, sserr.CodeKeySourceUnavailable, "auth: remote key set unavailable")
}

// jwksDocument is the JSON structure of a JWKS endpoint response.
type jwksDocument struct {
	Keys []json.RawMessage `json:"keys"`
}

// jwkEntry holds the fields needed to rebuild RSA and EC keys.
type jwkEntry struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (s *RemoteKeySet) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to create key set request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: key set request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: key set endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("auth: failed to read key set response: %w", err)
	}
	if int64(len(body)) > maxKeySetDocumentSize {
		return nil, fmt.Errorf("auth: key set document exceeds %d bytes", maxKeySetDocumentSize)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("auth: failed to parse key set JSON: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for i, raw := range doc.Keys {
		kid, key, err := parseJWK(raw)
		if err != nil {
			s.cfg.Logger.WarnContext(ctx, "auth: skipping key set entry",
				"uri", s.cfg.URI, "index", i, "kid", kid, "error", err)
			s.cfg.Events.Emit(ctx, events.Event{
				Name:   events.KeySetEntrySkipped,
				Fields: map[string]string{"kid": kid, "error": err.Error()},
			})
			continue
		}
		keys[kid] = key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("auth: key set document has no usable keys (%d entries)", len(doc.Keys))
	}
	return keys, nil
}

func parseJWK(raw json.RawMessage) (string, crypto.PublicKey, error) {
	var k jwkEntry
	if err := json.Unmarshal(raw, &k); err != nil {
		return "", nil, fmt.Errorf("malformed entry: %w", err)
	}
	kid := strings.TrimSpace(k.Kid)
	if kid == "" {
		return "", nil, fmt.Errorf("entry has no kid")
	}
	if k.Use != "" && k.Use != "sig" {
		return kid, nil, fmt.Errorf("entry use %q is not sig", k.Use)
	}
	switch k.Kty {
	case "RSA":
		key, err := parseRSAPublicKey(k.N, k.E)
		return kid, key, err
	case "EC":
		key, err := parseECPublicKey(k.Crv, k.X, k.Y)
		return kid, key, err
	default:
		return kid, nil, fmt.Errorf("unsupported kty %q", k.Kty)
	}
}

// parseRSAPublicKey rebuilds an RSA key from base64url modulus and exponent.
func parseRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil || len(nBytes) == 0 {
		return nil, fmt.Errorf("invalid RSA modulus")
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil || len(eBytes) == 0 || len(eBytes) > 4 {
		return nil, fmt.Errorf("invalid RSA exponent")
	}
	e := new(big.Int).SetBytes(eBytes).Int64()
	if e < 3 {
		return nil, fmt.Errorf("invalid RSA exponent")
	}
	n := new(big.Int).SetBytes(nBytes)
	if n.BitLen() < 2048 {
		return nil, fmt.Errorf("RSA modulus is %d bits, need at least 2048", n.BitLen())
	}
	return &rsa.PublicKey{N: n, E: int(e)}, nil
}

// parseECPublicKey rebuilds an ECDSA key from a curve name and base64url
// coordinates.
func parseECPublicKey(crv, xB64, yB64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported EC curve %q", crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(xB64)
	if err != nil || len(xBytes) == 0 {
		return nil, fmt.Errorf("invalid EC x coordinate")
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yB64)
	if err != nil || len(yBytes) == 0 {
		return nil, fmt.Errorf("invalid EC y coordinate")
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

func unknownKid(kid string) *sserr.Error {
	return sserr.New(sserr.CodeUnknownKeyID, "auth: unknown key id").WithDetail("kid", kid)
}

func sameKids(a, b map[string]crypto.PublicKey) bool {
	if len(a) != len(b) {
		return false
	}
	for kid := range a {
		if _, ok := b[kid]; !ok {
			return false
		}
	}
	return true
}

func sortedKids(keys map[string]crypto.PublicKey) []string {
	kids := make([]string, 0, len(keys))
	for kid := range keys {
		kids = append(kids, kid)
	}
	slices.Sort(kids)
	return kids
}
