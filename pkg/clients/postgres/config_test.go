package postgres

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecret_Redacts(t *testing.T) {
	t.Parallel()
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", s.GoString())
	assert.NotContains(t, fmt.Sprintf("%v %+v %#v", s, s, s), "hunter2")
	text, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", string(text))
	assert.Equal(t, "hunter2", s.Value())
}

func TestSSLMode_Valid(t *testing.T) {
	t.Parallel()
	for _, m := range []SSLMode{SSLModeDisable, SSLModeAllow, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull} {
		assert.True(t, m.Valid(), m.String())
	}
	assert.False(t, SSLMode("sometimes").Valid())
	assert.False(t, SSLMode("").Valid())
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "addon", cfg.Database)
	assert.Equal(t, SSLModeRequire, cfg.SSLMode)
	assert.Equal(t, DefaultMaxConns, cfg.MaxConns)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "minimal", cfg: Config{Database: "addon", User: "addon"}},
		{name: "uri", cfg: Config{URI: "postgres://u:p@db:5432/addon"}},
		{name: "postgresql scheme", cfg: Config{URI: "postgresql://db/addon"}},
		{name: "bad scheme", cfg: Config{URI: "mysql://db/addon"}, wantErr: "scheme"},
		{name: "bad uri", cfg: Config{URI: "postgres://[::1"}, wantErr: "invalid"},
		{name: "empty database", cfg: Config{User: "addon"}, wantErr: "database"},
		{name: "empty user", cfg: Config{Database: "addon"}, wantErr: "user"},
		{name: "port too high", cfg: Config{Database: "addon", User: "addon", Port: 70000}, wantErr: "port"},
		{name: "negative port", cfg: Config{Database: "addon", User: "addon", Port: -1}, wantErr: "port"},
		{name: "bad ssl mode", cfg: Config{Database: "addon", User: "addon", SSLMode: "sometimes"}, wantErr: "ssl_mode"},
		{name: "max below min", cfg: Config{Database: "addon", User: "addon", MaxConns: 2, MinConns: 5}, wantErr: "max_conns"},
		{name: "negative pool", cfg: Config{Database: "addon", User: "addon", MaxConns: -1}, wantErr: "negative"},
		{name: "negative timeout", cfg: Config{Database: "addon", User: "addon", ConnectTimeout: -time.Second}, wantErr: "negative"},
		{name: "missing root cert", cfg: Config{Database: "addon", User: "addon", SSLRootCert: "/nonexistent/ca.pem"}, wantErr: "ssl_root_cert"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate_AppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{URI: "postgres://db/addon"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultMaxConns, cfg.MaxConns)
	assert.Equal(t, DefaultMinConns, cfg.MinConns)
	assert.Equal(t, DefaultMaxConnLifetime, cfg.MaxConnLifetime)
	assert.Equal(t, DefaultHealthCheckPeriod, cfg.HealthCheckPeriod)
}

func TestConfig_ConnectionString(t *testing.T) {
	t.Parallel()

	uri := "postgres://u:p@db:5432/addon?sslmode=verify-full"
	assert.Equal(t, uri, (&Config{URI: uri}).ConnectionString())

	cfg := Config{
		Host:           "db.internal",
		Port:           5433,
		Database:       "addon",
		User:           "gate",
		Password:       Secret("p@ss/w:rd"),
		SSLMode:        SSLModeVerifyFull,
		ConnectTimeout: 15 * time.Second,
	}
	conn := cfg.ConnectionString()
	assert.True(t, strings.HasPrefix(conn, "postgres://gate:"), conn)
	assert.Contains(t, conn, "@db.internal:5433/addon")
	assert.Contains(t, conn, "sslmode=verify-full")
	assert.Contains(t, conn, "connect_timeout=15")
	assert.NotContains(t, conn, "p@ss/w:rd", "password must be escaped")
}

func writeTestCA(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "addon-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return path
}

func TestConfig_tlsConfig(t *testing.T) {
	t.Parallel()
	ca := writeTestCA(t)

	t.Run("no root cert", func(t *testing.T) {
		tlsCfg, err := (&Config{SSLMode: SSLModeRequire}).tlsConfig()
		require.NoError(t, err)
		assert.Nil(t, tlsCfg)
	})

	t.Run("disabled", func(t *testing.T) {
		tlsCfg, err := (&Config{SSLMode: SSLModeDisable, SSLRootCert: ca}).tlsConfig()
		require.NoError(t, err)
		assert.Nil(t, tlsCfg)
	})

	t.Run("unreadable", func(t *testing.T) {
		_, err := (&Config{SSLMode: SSLModeVerifyFull, SSLRootCert: "/nonexistent/ca.pem"}).tlsConfig()
		require.Error(t, err)
	})

	t.Run("not pem", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.pem")
		require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
		_, err := (&Config{SSLMode: SSLModeVerifyFull, SSLRootCert: bad}).tlsConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse")
	})

	t.Run("verify-full", func(t *testing.T) {
		tlsCfg, err := (&Config{Host: "db.internal", SSLMode: SSLModeVerifyFull, SSLRootCert: ca}).tlsConfig()
		require.NoError(t, err)
		require.NotNil(t, tlsCfg)
		assert.Equal(t, "db.internal", tlsCfg.ServerName)
		assert.False(t, tlsCfg.InsecureSkipVerify)
		assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
	})

	t.Run("verify-ca", func(t *testing.T) {
		tlsCfg, err := (&Config{Host: "db.internal", SSLMode: SSLModeVerifyCA, SSLRootCert: ca}).tlsConfig()
		require.NoError(t, err)
		require.NotNil(t, tlsCfg.VerifyConnection)
		assert.True(t, tlsCfg.InsecureSkipVerify)

		err = tlsCfg.VerifyConnection(tls.ConnectionState{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "did not present a certificate")
	})

	t.Run("require", func(t *testing.T) {
		tlsCfg, err := (&Config{SSLMode: SSLModeRequire, SSLRootCert: ca}).tlsConfig()
		require.NoError(t, err)
		assert.True(t, tlsCfg.InsecureSkipVerify)
	})
}

func TestTruncateSQL(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", truncateSQL(""))
	assert.Equal(t, "SELECT 1", truncateSQL("SELECT 1"))

	exact := strings.Repeat("x", maxSQLTruncateLen)
	assert.Equal(t, exact, truncateSQL(exact))

	long := truncateSQL(strings.Repeat("x", maxSQLTruncateLen+50))
	assert.Len(t, long, maxSQLTruncateLen+3)
	assert.True(t, strings.HasSuffix(long, "..."))

	multi := truncateSQL(strings.Repeat("日", maxSQLTruncateLen+1))
	assert.True(t, utf8.ValidString(multi))
	assert.Equal(t, maxSQLTruncateLen+3, utf8.RuneCountInString(multi))
}
