package model

import (
	"encoding/base64"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

var testKey = base64.StdEncoding.EncodeToString(make([]byte, 32))

func validConfig() ConnectionConfig {
	return ConnectionConfig{
		Endpoint: netip.MustParseAddrPort("203.0.113.7:443"),
		Fronting: FrontingConfig{FrontDomain: DefaultFrontDomain, TargetDomain: DefaultTargetDomain, UseTLS: true},
	}
}

func TestConnectionConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cfg := validConfig()
	cfg.Endpoint = netip.AddrPort{}
	var cerr *ConfigError
	require.ErrorAs(t, cfg.Validate(), &cerr)
	require.Equal(t, "endpoint", cerr.Field)

	cfg = validConfig()
	cfg.Tunnel = &TunnelConfig{PrivateKey: "nope", PublicKey: testKey}
	require.ErrorAs(t, cfg.Validate(), &cerr)
	require.Equal(t, "tunnel.privateKey", cerr.Field)

	cfg = validConfig()
	cfg.UseObfuscation = true
	require.ErrorAs(t, cfg.Validate(), &cerr)
	require.Equal(t, "obfuscation.cert", cerr.Field)

	// obfuscation settings are ignored while the transport is disabled
	cfg.UseObfuscation = false
	require.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.FallbackToOverlay = true
	cfg.Overlay.BootstrapPeers = []string{"198.51.100.1:4001", "198.51.100.1:4001"}
	require.ErrorAs(t, cfg.Validate(), &cerr)
	require.Equal(t, "overlay.bootstrapPeers", cerr.Field)
}

func TestTunnelConfigValidate(t *testing.T) {
	tc := TunnelConfig{
		PrivateKey: testKey,
		PublicKey:  testKey,
		Endpoint:   netip.MustParseAddrPort("198.51.100.2:51820"),
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
	}
	require.NoError(t, tc.Validate())
	require.Equal(t, "wg0", tc.InterfaceName())

	tc.AllowedIPs = nil
	require.Error(t, tc.Validate())
}

func TestFrontingConfigValidate(t *testing.T) {
	fc := FrontingConfig{FrontDomain: "cdn.example.com", TargetDomain: "hidden.example.org", UseTLS: true}
	require.NoError(t, fc.Validate())
	require.Equal(t, 443, fc.PortOrDefault())

	fc.UseTLS = false
	require.Equal(t, 80, fc.PortOrDefault())

	fc.FrontDomain = "https://cdn.example.com"
	require.Error(t, fc.Validate())

	fc = FrontingConfig{FrontDomain: "a.example", TargetDomain: "b.example", PinnedSPKI: []string{"short"}}
	require.Error(t, fc.Validate())
}

func TestCloneIsDeep(t *testing.T) {
	cfg := validConfig()
	cfg.Tunnel = &TunnelConfig{PrivateKey: testKey, PublicKey: testKey, AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}
	cfg.Overlay.BootstrapPeers = []string{"a:1"}

	c := cfg.Clone()
	cfg.Tunnel.AllowedIPs[0] = netip.MustParsePrefix("192.168.0.0/16")
	cfg.Overlay.BootstrapPeers[0] = "b:2"

	require.Equal(t, "10.0.0.0/8", c.Tunnel.AllowedIPs[0].String())
	require.Equal(t, "a:1", c.Overlay.BootstrapPeers[0])
	require.NotSame(t, cfg.Tunnel, c.Tunnel)
}

func TestTransportKindString(t *testing.T) {
	require.Equal(t, "tunnel", KindTunnel.String())
	require.Equal(t, "obfs", KindObfuscation.String())
	require.Equal(t, "fronting", KindFronting.String())
	require.Equal(t, "overlay", KindOverlay.String())
	require.Equal(t, "transport(9)", TransportKind(9).String())
}

func TestWithDefaultsFillsFronting(t *testing.T) {
	cfg := ConnectionConfig{Endpoint: netip.MustParseAddrPort("203.0.113.7:443")}
	require.Error(t, cfg.Validate())

	cfg = cfg.WithDefaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultFrontDomain, cfg.Fronting.FrontDomain)
	require.Equal(t, DefaultTargetDomain, cfg.Fronting.TargetDomain)
	require.True(t, cfg.Fronting.UseTLS)

	// an explicit plaintext block keeps its choice
	cfg.Fronting = FrontingConfig{FrontDomain: "a.example"}.WithDefaults()
	require.False(t, cfg.Fronting.UseTLS)
	require.Equal(t, DefaultTargetDomain, cfg.Fronting.TargetDomain)
}
