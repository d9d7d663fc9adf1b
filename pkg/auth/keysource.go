package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"maps"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
)

// KeySource resolves the public key that verifies a token. The interface is
// closed: [StaticKey], [KeyMap] and [RemoteKeySet] are its only
// implementations, and a verifier holds exactly one of them.
type KeySource interface {
	// Resolve returns the key registered under kid. An empty kid asks for
	// the source's explicitly configured default key. A non-empty kid never
	// falls back to the default.
	Resolve(ctx context.Context, kid string) (crypto.PublicKey, error)

	keySource()
}

// ---------------------------------------------------------------------------
// StaticKey
// ---------------------------------------------------------------------------

// StaticKey is a single key with no key id. It only verifies tokens whose
// header carries no kid.
type StaticKey struct {
	key crypto.PublicKey
}

// NewStaticKey returns a StaticKey for an RSA or ECDSA public key.
func NewStaticKey(key crypto.PublicKey) (*StaticKey, error) {
	if err := checkKeyType(key); err != nil {
		return nil, err
	}
	return &StaticKey{key: key}, nil
}

// Resolve implements [KeySource].
func (s *StaticKey) Resolve(_ context.Context, kid string) (crypto.PublicKey, error) {
	if kid != "" {
		return nil, sserr.New(sserr.CodeUnknownKeyID,
			"auth: token names a key id but only a static key is configured").
			WithDetail("kid", kid)
	}
	return s.key, nil
}

func (*StaticKey) keySource() {}

// ---------------------------------------------------------------------------
// KeyMap
// ---------------------------------------------------------------------------

// KeyMap is a fixed set of keys indexed by kid, with an optional default
// used only for tokens that carry no kid.
type KeyMap struct {
	keys       map[string]crypto.PublicKey
	defaultKid string
}

// NewKeyMap copies keys into a KeyMap. defaultKid may be empty; when set it
// must name a key in the map.
func NewKeyMap(keys map[string]crypto.PublicKey, defaultKid string) (*KeyMap, error) {
	if len(keys) == 0 {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: key map must not be empty")
	}
	for kid, key := range keys {
		if strings.TrimSpace(kid) == "" {
			return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: key map contains a blank key id")
		}
		if err := checkKeyType(key); err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration, "auth: key %q", kid)
		}
	}
	defaultKid = strings.TrimSpace(defaultKid)
	if defaultKid != "" {
		if _, ok := keys[defaultKid]; !ok {
			return nil, sserr.Newf(sserr.CodeInternalConfiguration,
				"auth: default key id %q is not in the key map", defaultKid)
		}
	}
	return &KeyMap{keys: maps.Clone(keys), defaultKid: defaultKid}, nil
}

// Resolve implements [KeySource].
func (m *KeyMap) Resolve(_ context.Context, kid string) (crypto.PublicKey, error) {
	if kid == "" {
		if m.defaultKid == "" {
			return nil, sserr.New(sserr.CodeUnknownKeyID,
				"auth: token has no key id and no default key is configured")
		}
		return m.keys[m.defaultKid], nil
	}
	key, ok := m.keys[kid]
	if !ok {
		return nil, sserr.New(sserr.CodeUnknownKeyID, "auth: unknown key id").WithDetail("kid", kid)
	}
	return key, nil
}

func (*KeyMap) keySource() {}

// ---------------------------------------------------------------------------
// PEM helpers for the configuration surface
// ---------------------------------------------------------------------------

// ParsePublicKeyPEM parses a PEM-encoded RSA or ECDSA public key (PKIX,
// PKCS#1 or certificate).
func ParsePublicKeyPEM(pemText string) (crypto.PublicKey, error) {
	data := []byte(strings.TrimSpace(pemText))
	if rsaKey, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return rsaKey, nil
	}
	ecKey, err := jwt.ParseECPublicKeyFromPEM(data)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration,
			"auth: PEM does not contain an RSA or EC public key")
	}
	return ecKey, nil
}

// ParseKeyMapJSON parses a JSON object mapping kid to PEM text, the format
// used by the JWT_KEY_MAP setting.
func ParseKeyMapJSON(raw string) (map[string]crypto.PublicKey, error) {
	var pemByKid map[string]string
	if err := json.Unmarshal([]byte(raw), &pemByKid); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration,
			"auth: key map must be a JSON object of kid to PEM")
	}
	keys := make(map[string]crypto.PublicKey, len(pemByKid))
	for kid, pemText := range pemByKid {
		key, err := ParsePublicKeyPEM(pemText)
		if err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration, "auth: key map entry %q", kid)
		}
		keys[strings.TrimSpace(kid)] = key
	}
	return keys, nil
}

func checkKeyType(key crypto.PublicKey) error {
	switch key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return nil
	case nil:
		return sserr.New(sserr.CodeInternalConfiguration, "auth: public key must not be nil")
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration, "auth: unsupported public key type %T", key)
	}
}
