package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escape/pkg/model"
	"escape/pkg/overlay"
)

const basic = `
[Connection]
Endpoint = "203.0.113.7:443"
UseObfuscation = true
AttemptTimeout = "5s"

[Obfuscation]
Cert = "AAAA"
IATMode = true

[Fronting]
FrontDomain = "bücher.example"
TargetDomain = "hidden.example.org"
PinnedSPKI = ["AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="]
`

func TestLoad(t *testing.T) {
	cfg, err := Load([]byte(basic))
	require.NoError(t, err)
	require.Equal(t, defaultLogLevel, cfg.Logging.Level)
	require.Equal(t, overlay.DefaultDiscoveryPrefix, cfg.Consul.Prefix)
	require.NotEmpty(t, cfg.State.Dir)
	require.Equal(t, "xn--bcher-kva.example", cfg.Fronting.FrontDomain)

	c, err := cfg.ConnectionConfig()
	require.NoError(t, err)
	require.Equal(t, "203.0.113.7:443", c.Endpoint.String())
	require.True(t, c.UseObfuscation)
	require.False(t, c.FallbackToOverlay)
	require.Nil(t, c.Tunnel)
	require.Equal(t, 5*time.Second, c.AttemptTimeout)
	require.True(t, c.Obfuscation.IATMode)
	require.True(t, c.Fronting.UseTLS)
	require.Len(t, c.Fronting.PinnedSPKI, 1)
}

func TestDefaultsFronting(t *testing.T) {
	cfg, err := Load([]byte("[Connection]\nEndpoint = \"198.51.100.9:8443\"\n"))
	require.NoError(t, err)
	c, err := cfg.ConnectionConfig()
	require.NoError(t, err)
	require.Equal(t, model.DefaultFrontDomain, c.Fronting.FrontDomain)
	require.Equal(t, model.DefaultTargetDomain, c.Fronting.TargetDomain)
	require.True(t, c.Fronting.UseTLS)
}

func TestTunnelBlock(t *testing.T) {
	body := `
[Connection]
Endpoint = "203.0.113.7:443"

[Tunnel]
PrivateKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
PublicKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
Endpoint = "203.0.113.7:51820"
AllowedIPs = ["0.0.0.0/0", "::/0"]
Address = "10.66.0.2/32"
Keepalive = "25s"
`
	cfg, err := Load([]byte(body))
	require.NoError(t, err)
	c, err := cfg.ConnectionConfig()
	require.NoError(t, err)
	require.NotNil(t, c.Tunnel)
	require.Len(t, c.Tunnel.AllowedIPs, 2)
	require.Equal(t, 25*time.Second, c.Tunnel.Keepalive)
	require.Equal(t, "10.66.0.2/32", c.Tunnel.Address.String())
}

func TestInvalid(t *testing.T) {
	_, err := Load(nil)
	require.Error(t, err)

	_, err = Load([]byte("[Logging]\nLevel = \"LOUD\"\n[Connection]\nEndpoint = \"203.0.113.7:443\"\n"))
	require.ErrorContains(t, err, "invalid level")

	_, err = Load([]byte("[Logging]\nLevel = \"DEBUG\"\n"))
	require.ErrorContains(t, err, "No Connection block")

	_, err = Load([]byte("[Connection]\nEndpoint = \"nowhere\"\n"))
	require.ErrorContains(t, err, "Connection.Endpoint")

	_, err = Load([]byte("[Connection]\nEndpoint = \"203.0.113.7:443\"\nAttemptTimeout = \"soon\"\n"))
	require.ErrorContains(t, err, "AttemptTimeout")

	// obfuscation enabled without a cert
	_, err = Load([]byte("[Connection]\nEndpoint = \"203.0.113.7:443\"\nUseObfuscation = true\n"))
	var cerr *model.ConfigError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "obfuscation.cert", cerr.Field)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ESCAPE_ENDPOINT", "198.51.100.1:443")
	t.Setenv("ESCAPE_LOG_LEVEL", "DEBUG")
	t.Setenv("ESCAPE_STATE_DIR", "/var/lib/escape")
	t.Setenv("ESCAPE_TARGET_DOMAIN", "other.example.org")

	cfg, err := Load([]byte(basic))
	require.NoError(t, err)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, "/var/lib/escape", cfg.State.Dir)
	require.Equal(t, filepath.Join("/var/lib/escape", "escape-temp"), cfg.State.TempDir())
	require.Equal(t, filepath.Join("/var/lib/escape", "escape-config"), cfg.State.ConfigDir())

	c, err := cfg.ConnectionConfig()
	require.NoError(t, err)
	require.Equal(t, "198.51.100.1:443", c.Endpoint.String())
	require.Equal(t, "other.example.org", c.Fronting.TargetDomain)
}

func TestLoadFileAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escape.toml")
	require.NoError(t, os.WriteFile(path, []byte(basic), 0o600))

	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("ESCAPE_OBFS_CERT=fromdotenv\n"), 0o600))
	t.Setenv("ESCAPE_OBFS_CERT", "")
	require.NoError(t, os.Unsetenv("ESCAPE_OBFS_CERT"))
	require.NoError(t, LoadDotEnv(env))
	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "fromdotenv", cfg.Obfuscation.Cert)

	_, err = LoadFile(filepath.Join(dir, "absent.toml"))
	require.Error(t, err)
}
