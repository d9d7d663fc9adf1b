package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
)

// SafeAlgorithms are the only signing algorithms a [TokenVerifier] will
// ever accept. Configured allow-lists are intersected with this set, so a
// broader configuration cannot widen trust.
var SafeAlgorithms = []string{"RS256", "ES256"}

const (
	// DefaultLeeway is the clock skew deployments configure unless told
	// otherwise.
	DefaultLeeway = 60 * time.Second

	// MaxTokenLifetime bounds the replay window of any accepted token,
	// independent of leeway.
	MaxTokenLifetime = 24 * time.Hour

	maxTokenSize = 8 << 10
)

// Constraints are the trust requirements a token must meet. They are
// copied at construction and never change afterwards.
type Constraints struct {
	// ExpectedIssuer must equal the iss claim exactly.
	ExpectedIssuer string

	// ExpectedAudience must equal aud, or one of its entries when aud is
	// an array.
	ExpectedAudience string

	// Leeway is the tolerated clock skew on exp, nbf and iat. Zero means
	// none.
	Leeway time.Duration

	// AllowedAlgorithms is intersected with SafeAlgorithms. Empty selects
	// the whole safe set.
	AllowedAlgorithms []string

	// ExpectedSubject, when set, must equal the sub claim.
	ExpectedSubject string
}

// DecodedClaims is the result of a successful verification. A new value is
// built for every call.
type DecodedClaims struct {
	Issuer    string
	Subject   string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	KeyID     string
	Algorithm string

	// Raw is the full decoded payload.
	Raw map[string]any
}

// StringClaim returns a string-valued claim from the raw payload.
func (c *DecodedClaims) StringClaim(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	s, ok := c.Raw[name].(string)
	return s, ok
}

// VerifierOption configures a [TokenVerifier].
type VerifierOption func(*TokenVerifier)

// WithClock overrides the verifier's time source.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *TokenVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithTracer overrides the tracer used for verification spans.
func WithTracer(tracer trace.Tracer) VerifierOption {
	return func(v *TokenVerifier) {
		if tracer != nil {
			v.tracer = tracer
		}
	}
}

// TokenVerifier makes the trust decision for a single JWT. It holds no
// mutable state of its own and is safe for concurrent use.
type TokenVerifier struct {
	constraints Constraints
	algorithms  []string
	source      KeySource
	parser      *jwt.Parser
	now         func() time.Time
	tracer      trace.Tracer
}

// NewTokenVerifier validates c and binds it to src. It fails when issuer
// or audience is blank or when the allowed algorithms share nothing with
// SafeAlgorithms.
func NewTokenVerifier(c Constraints, src KeySource, opts ...VerifierOption) (*TokenVerifier, error) {
	if src == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: key source is required")
	}
	c.ExpectedIssuer = strings.TrimSpace(c.ExpectedIssuer)
	c.ExpectedAudience = strings.TrimSpace(c.ExpectedAudience)
	c.ExpectedSubject = strings.TrimSpace(c.ExpectedSubject)
	if c.ExpectedIssuer == "" {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: expected issuer is required")
	}
	if c.ExpectedAudience == "" {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: expected audience is required")
	}
	if c.Leeway < 0 {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: leeway must not be negative")
	}

	algorithms := effectiveAlgorithms(c.AllowedAlgorithms)
	if len(algorithms) == 0 {
		return nil, sserr.Newf(sserr.CodeInternalConfiguration,
			"auth: none of the allowed algorithms %v are in the safe set %v",
			c.AllowedAlgorithms, SafeAlgorithms)
	}
	c.AllowedAlgorithms = slices.Clone(c.AllowedAlgorithms)

	v := &TokenVerifier{
		constraints: c,
		algorithms:  algorithms,
		source:      src,
		parser:      jwt.NewParser(jwt.WithJSONNumber()),
		now:         time.Now,
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func effectiveAlgorithms(configured []string) []string {
	if len(configured) == 0 {
		return slices.Clone(SafeAlgorithms)
	}
	var out []string
	for _, alg := range configured {
		alg = strings.ToUpper(strings.TrimSpace(alg))
		if slices.Contains(SafeAlgorithms, alg) && !slices.Contains(out, alg) {
			out = append(out, alg)
		}
	}
	return out
}

// Algorithms returns the effective allow-list.
func (v *TokenVerifier) Algorithms() []string {
	return slices.Clone(v.algorithms)
}

// Constraints returns a copy of the verifier's constraints.
func (v *TokenVerifier) Constraints() Constraints {
	c := v.constraints
	c.AllowedAlgorithms = slices.Clone(c.AllowedAlgorithms)
	return c
}

// Verify checks token and returns its claims. Checks run in a fixed order
// and the first failure is returned:
//
//  1. structure (CodeMalformedToken)
//  2. algorithm allow-list (CodeUnsupportedAlgorithm)
//  3. key resolution (CodeUnknownKeyID, CodeKeySourceUnavailable)
//  4. signature (CodeSignatureMismatch)
//  5. exp, nbf, iat and lifetime (CodeTokenExpired, CodeTokenNotYetValid)
//  6. issuer (CodeIssuerMismatch)
//  7. audience (CodeAudienceMismatch)
//  8. subject, when configured (CodeSubjectMismatch)
//
// Error messages and details are for logs. They name the failed check and
// must not be sent to the caller.
func (v *TokenVerifier) Verify(ctx context.Context, token string) (*DecodedClaims, error) {
	ctx, span := startSpan(ctx, v.tracer, "auth.Verify")
	defer span.End()

	claims, err := v.verify(ctx, token)
	if err != nil {
		span.SetAttributes(attribute.String("auth.deny_code", sserr.GetCode(err).String()))
		finishSpan(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("auth.alg", claims.Algorithm),
		attribute.String("auth.kid", claims.KeyID),
	)
	return claims, nil
}

func (v *TokenVerifier) verify(ctx context.Context, token string) (*DecodedClaims, error) {
	if token == "" {
		return nil, sserr.New(sserr.CodeMalformedToken, "auth: token is empty")
	}
	if len(token) > maxTokenSize {
		return nil, sserr.Newf(sserr.CodeMalformedToken, "auth: token exceeds %d bytes", maxTokenSize)
	}

	// 1. Structure.
	mc := jwt.MapClaims{}
	parsed, parts, err := v.parser.ParseUnverified(token, mc)
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, sserr.Wrap(err, sserr.CodeMalformedToken, "auth: token is malformed")
	}
	sig, sigErr := v.parser.DecodeSegment(parts[2])
	if sigErr != nil {
		return nil, sserr.Wrap(sigErr, sserr.CodeMalformedToken, "auth: token signature segment is malformed")
	}

	// 2. Algorithm. ErrTokenUnverifiable means alg was missing or unknown
	// to the library, which is never in the safe set either.
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnsupportedAlgorithm, "auth: token algorithm is not supported")
	}
	alg := parsed.Method.Alg()
	if !slices.Contains(v.algorithms, alg) {
		return nil, sserr.New(sserr.CodeUnsupportedAlgorithm, "auth: token algorithm is not allowed").
			WithDetail("alg", alg)
	}

	// 3. Key.
	kid, err := headerKid(parsed.Header)
	if err != nil {
		return nil, err
	}
	key, err := v.source.Resolve(ctx, kid)
	if err != nil {
		if _, ok := sserr.AsError(err); ok {
			return nil, err
		}
		return nil, sserr.Wrap(err, sserr.CodeKeySourceUnavailable, "auth: key resolution failed")
	}

	// 4. Signature.
	if err := parsed.Method.Verify(parts[0]+"."+parts[1], sig, key); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeSignatureMismatch, "auth: token signature is invalid").
			WithDetail("kid", kid)
	}

	// 5. Time.
	exp, nbf, iat, err := v.checkTemporal(mc)
	if err != nil {
		return nil, err
	}

	// 6. Issuer.
	iss, ok := mc["iss"].(string)
	if !ok || iss != v.constraints.ExpectedIssuer {
		return nil, sserr.New(sserr.CodeIssuerMismatch, "auth: token issuer is not trusted").
			WithDetail("iss", iss)
	}

	// 7. Audience.
	aud, err := mc.GetAudience()
	if err != nil || !slices.Contains([]string(aud), v.constraints.ExpectedAudience) {
		return nil, sserr.New(sserr.CodeAudienceMismatch, "auth: token audience does not match")
	}

	// 8. Subject.
	sub, _ := mc["sub"].(string)
	if v.constraints.ExpectedSubject != "" && sub != v.constraints.ExpectedSubject {
		return nil, sserr.New(sserr.CodeSubjectMismatch, "auth: token subject does not match").
			WithDetail("sub", sub)
	}

	return &DecodedClaims{
		Issuer:    iss,
		Subject:   sub,
		Audience:  []string(aud),
		ExpiresAt: exp,
		NotBefore: nbf,
		IssuedAt:  iat,
		KeyID:     kid,
		Algorithm: alg,
		Raw:       map[string]any(mc),
	}, nil
}

func headerKid(header map[string]any) (string, error) {
	raw, present := header["kid"]
	if !present || raw == nil {
		return "", nil
	}
	kid, ok := raw.(string)
	if !ok {
		return "", sserr.New(sserr.CodeMalformedToken, "auth: token kid header is not a string")
	}
	return strings.TrimSpace(kid), nil
}

func (v *TokenVerifier) checkTemporal(mc jwt.MapClaims) (exp, nbf, iat time.Time, err error) {
	now := v.now()
	leeway := v.constraints.Leeway

	expDate, e := mc.GetExpirationTime()
	if e != nil {
		return exp, nbf, iat, sserr.Wrap(e, sserr.CodeMalformedToken, "auth: token exp claim is malformed")
	}
	if expDate == nil {
		return exp, nbf, iat, sserr.New(sserr.CodeMalformedToken, "auth: token has no exp claim")
	}
	exp = expDate.Time

	nbfDate, e := mc.GetNotBefore()
	if e != nil {
		return exp, nbf, iat, sserr.Wrap(e, sserr.CodeMalformedToken, "auth: token nbf claim is malformed")
	}
	if nbfDate != nil {
		nbf = nbfDate.Time
	}

	iatDate, e := mc.GetIssuedAt()
	if e != nil {
		return exp, nbf, iat, sserr.Wrap(e, sserr.CodeMalformedToken, "auth: token iat claim is malformed")
	}
	if iatDate != nil {
		iat = iatDate.Time
	}

	if now.After(exp.Add(leeway)) {
		return exp, nbf, iat, sserr.New(sserr.CodeTokenExpired, "auth: token has expired")
	}
	if !nbf.IsZero() && now.Before(nbf.Add(-leeway)) {
		return exp, nbf, iat, sserr.New(sserr.CodeTokenNotYetValid, "auth: token is not valid yet")
	}
	if !iat.IsZero() && iat.After(now.Add(leeway)) {
		return exp, nbf, iat, sserr.New(sserr.CodeTokenNotYetValid, "auth: token was issued in the future")
	}

	switch {
	case !iat.IsZero() && exp.Sub(iat) > MaxTokenLifetime:
		err = sserr.New(sserr.CodeTokenExpired, "auth: token lifetime exceeds the maximum")
	case !iat.IsZero() && now.Sub(iat) > MaxTokenLifetime+leeway:
		err = sserr.New(sserr.CodeTokenExpired, "auth: token is older than the maximum lifetime")
	case iat.IsZero() && exp.Sub(now) > MaxTokenLifetime+leeway:
		err = sserr.New(sserr.CodeTokenExpired, "auth: token without iat expires beyond the maximum lifetime")
	}
	return exp, nbf, iat, err
}
