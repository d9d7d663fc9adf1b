package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/StricklySoft/addon-admission/pkg/auth"
	"github.com/StricklySoft/addon-admission/pkg/clients/postgres"
	"github.com/StricklySoft/addon-admission/pkg/clients/redis"
	"github.com/StricklySoft/addon-admission/pkg/config"
	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
	"github.com/StricklySoft/addon-admission/pkg/ratelimit"
)

// Backend names accepted by RATE_LIMIT_BACKEND and TOKEN_STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the gateway configuration. Every field can be set from the
// environment; ADMISSION_CONFIG_FILE may name a YAML or JSON file with the
// same structure.
type Config struct {
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:":8080" yaml:"listen_addr" json:"listen_addr"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level" json:"log_level"`
	Environment  string `env:"ENV" envDefault:"production" yaml:"env" json:"env"`
	AddonKey     string `env:"ADDON_KEY" yaml:"addon_key" json:"addon_key" required:"true"`
	MaxBodyBytes int64  `env:"MAX_BODY_BYTES" envDefault:"1048576" yaml:"max_body_bytes" json:"max_body_bytes"`

	JWT        JWTConfig        `env:"JWT" yaml:"jwt" json:"jwt"`
	Admission  AdmissionConfig  `yaml:"admission" json:"admission"`
	RateLimit  RateLimitConfig  `env:"RATE_LIMIT" yaml:"rate_limit" json:"rate_limit"`
	TokenStore TokenStoreConfig `env:"TOKEN_STORE" yaml:"token_store" json:"token_store"`

	Postgres postgres.Config `yaml:"postgres" json:"postgres"`
	Redis    redis.Config    `yaml:"redis" json:"redis"`
}

// JWTConfig selects the trust constraints and exactly one key source.
type JWTConfig struct {
	Issuer     string        `env:"ISSUER" envDefault:"clockify" yaml:"issuer" json:"issuer"`
	Audience   string        `env:"AUDIENCE" yaml:"audience" json:"audience"`
	Leeway     time.Duration `env:"LEEWAY" envDefault:"60s" yaml:"leeway" json:"leeway"`
	Algorithms []string      `env:"ALGORITHMS" envDefault:"RS256,ES256" yaml:"algorithms" json:"algorithms"`

	PublicKeyPEM string `env:"PUBLIC_KEY" yaml:"public_key" json:"public_key"`
	KeyMap       string `env:"KEY_MAP" yaml:"key_map" json:"key_map"`
	DefaultKid   string `env:"DEFAULT_KID" yaml:"default_kid" json:"default_kid"`
	JWKSURI      string `env:"JWKS_URI" yaml:"jwks_uri" json:"jwks_uri"`

	JWKSCacheTTL     time.Duration `env:"JWKS_CACHE_TTL" envDefault:"5m" yaml:"jwks_cache_ttl" json:"jwks_cache_ttl"`
	JWKSTimeout      time.Duration `env:"JWKS_TIMEOUT" envDefault:"5s" yaml:"jwks_timeout" json:"jwks_timeout"`
	JWKSStalePolicy  string        `env:"JWKS_STALE_POLICY" envDefault:"fail-closed" yaml:"jwks_stale_policy" json:"jwks_stale_policy"`
	JWKSMaxStaleness time.Duration `env:"JWKS_MAX_STALENESS" envDefault:"1h" yaml:"jwks_max_staleness" json:"jwks_max_staleness"`
}

// AdmissionConfig holds the gate's policy switches.
type AdmissionConfig struct {
	AllowHMAC           bool   `env:"ADDON_AUTH_COMPAT" envDefault:"true" yaml:"allow_hmac" json:"allow_hmac"`
	DevAcceptUnverified bool   `env:"ADDON_ACCEPT_JWT_SIGNATURE" yaml:"dev_accept_unverified" json:"dev_accept_unverified"`
	RequiredTokenType   string `env:"ADDON_TOKEN_TYPE" envDefault:"addon" yaml:"required_token_type" json:"required_token_type"`
}

type RateLimitConfig struct {
	Enabled        bool          `env:"ENABLED" envDefault:"true" yaml:"enabled" json:"enabled"`
	Permits        float64       `env:"PERMITS" envDefault:"10" yaml:"permits" json:"permits"`
	Burst          int           `env:"BURST" yaml:"burst" json:"burst"`
	Mode           string        `env:"MODE" envDefault:"ip" yaml:"mode" json:"mode"`
	Backend        string        `env:"BACKEND" envDefault:"memory" yaml:"backend" json:"backend"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m" yaml:"idle_timeout" json:"idle_timeout"`
	MaxIdentifiers int           `env:"MAX_IDENTIFIERS" envDefault:"10000" yaml:"max_identifiers" json:"max_identifiers"`
}

type TokenStoreConfig struct {
	Backend       string        `env:"BACKEND" envDefault:"memory" yaml:"backend" json:"backend"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"30s" yaml:"cache_ttl" json:"cache_ttl"`
	RotationGrace time.Duration `env:"ROTATION_GRACE" envDefault:"1h" yaml:"rotation_grace" json:"rotation_grace"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if err := config.OneOf("LOG_LEVEL", c.LogLevel, "debug", "info", "warn", "error"); err != nil {
		return err
	}
	if c.JWT.Audience == "" {
		c.JWT.Audience = c.AddonKey
	}
	if n := c.JWT.keySources(); n != 1 {
		return sserr.Newf(sserr.CodeValidation,
			"config: exactly one of JWT_PUBLIC_KEY, JWT_KEY_MAP or JWT_JWKS_URI must be set, got %d", n)
	}
	if err := config.OneOf("JWT_JWKS_STALE_POLICY", c.JWT.JWKSStalePolicy,
		string(auth.StalePolicyFailClosed), string(auth.StalePolicyServeStale)); err != nil {
		return err
	}
	if _, err := ratelimit.ParseMode(c.RateLimit.Mode); err != nil {
		return err
	}
	if err := config.OneOf("RATE_LIMIT_BACKEND", c.RateLimit.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := config.OneOf("TOKEN_STORE_BACKEND", c.TokenStore.Backend, BackendMemory, BackendPostgres, BackendRedis); err != nil {
		return err
	}
	if c.Admission.DevAcceptUnverified && !auth.IsDevEnvironment(c.Environment) {
		return sserr.Newf(sserr.CodeValidation,
			"config: ADDON_ACCEPT_JWT_SIGNATURE requires a development ENV, got %q", c.Environment)
	}
	return nil
}

func (c JWTConfig) keySources() int {
	n := 0
	for _, v := range []string{c.PublicKeyPEM, c.KeyMap, c.JWKSURI} {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadConfig(loader *config.Loader) (Config, error) {
	var cfg Config
	err := loader.Load(&cfg)
	return cfg, err
}
