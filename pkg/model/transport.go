package model

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"
)

// TransportKind names one of the closed set of transport candidates.
type TransportKind int

const (
	KindTunnel TransportKind = iota + 1
	KindObfuscation
	KindFronting
	KindOverlay
)

func (k TransportKind) String() string {
	switch k {
	case KindTunnel:
		return "tunnel"
	case KindObfuscation:
		return "obfs"
	case KindFronting:
		return "fronting"
	case KindOverlay:
		return "overlay"
	default:
		return fmt.Sprintf("transport(%d)", int(k))
	}
}

// TransportConfig is the per-transport configuration variant. The set of
// implementations is closed to this package.
type TransportConfig interface {
	Kind() TransportKind
	Validate() error
	transportConfig()
}

// TunnelConfig configures the WireGuard tunnel candidate.
type TunnelConfig struct {
	PrivateKey string         `json:"-"`
	PublicKey  string         `json:"publicKey"`
	Endpoint   netip.AddrPort `json:"endpoint"`
	AllowedIPs []netip.Prefix `json:"allowedIPs"`

	Interface  string        `json:"interface,omitempty"`  // defaults to wg0
	Address    netip.Prefix  `json:"address,omitempty"`    // optional local address
	ListenPort int           `json:"listenPort,omitempty"` // 0 picks a random port
	Keepalive  time.Duration `json:"keepalive,omitempty"`
}

const DefaultTunnelInterface = "wg0"

func (TunnelConfig) Kind() TransportKind { return KindTunnel }
func (TunnelConfig) transportConfig()    {}

func (c TunnelConfig) Validate() error {
	if err := validateWGKey("tunnel.privateKey", c.PrivateKey); err != nil {
		return err
	}
	if err := validateWGKey("tunnel.publicKey", c.PublicKey); err != nil {
		return err
	}
	if c.Endpoint.IsValid() && c.Endpoint.Port() == 0 {
		return &ConfigError{Field: "tunnel.endpoint", Reason: "port is required"}
	}
	if len(c.AllowedIPs) == 0 {
		return &ConfigError{Field: "tunnel.allowedIPs", Reason: "at least one range is required"}
	}
	for _, p := range c.AllowedIPs {
		if !p.IsValid() {
			return &ConfigError{Field: "tunnel.allowedIPs", Reason: "invalid prefix"}
		}
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return &ConfigError{Field: "tunnel.listenPort", Reason: "out of range"}
	}
	if c.Keepalive < 0 {
		return &ConfigError{Field: "tunnel.keepalive", Reason: "must not be negative"}
	}
	if strings.ContainsAny(c.Interface, " /") || len(c.Interface) > 15 {
		return &ConfigError{Field: "tunnel.interface", Reason: fmt.Sprintf("invalid name %q", c.Interface)}
	}
	return nil
}

// InterfaceName returns the configured interface or the default.
func (c TunnelConfig) InterfaceName() string {
	if c.Interface == "" {
		return DefaultTunnelInterface
	}
	return c.Interface
}

// Clone returns a deep copy.
func (c TunnelConfig) Clone() TunnelConfig {
	c.AllowedIPs = slices.Clone(c.AllowedIPs)
	return c
}

func validateWGKey(field, key string) error {
	if key == "" {
		return &ConfigError{Field: field, Reason: "is required"}
	}
	b, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(b) != 32 {
		return &ConfigError{Field: field, Reason: "must be a base64 encoded 32 byte key"}
	}
	return nil
}

// ObfuscationConfig configures the obfuscated transport candidate.
type ObfuscationConfig struct {
	Cert    string `json:"cert"`
	IATMode bool   `json:"iatMode"`
}

func (ObfuscationConfig) Kind() TransportKind { return KindObfuscation }
func (ObfuscationConfig) transportConfig()    {}

func (c ObfuscationConfig) Validate() error {
	if strings.TrimSpace(c.Cert) == "" {
		return &ConfigError{Field: "obfuscation.cert", Reason: "is required"}
	}
	return nil
}

func (c ObfuscationConfig) Clone() ObfuscationConfig { return c }

// FrontingConfig configures the fronted TLS candidate.
type FrontingConfig struct {
	FrontDomain  string `json:"frontDomain"`
	TargetDomain string `json:"targetDomain"`
	UseTLS       bool   `json:"useTls"`

	Path       string   `json:"path,omitempty"`
	Port       int      `json:"port,omitempty"`
	PinnedSPKI []string `json:"pinnedSpki,omitempty"` // base64 sha256 of the SubjectPublicKeyInfo
}

const (
	DefaultFrontDomain  = "cdn.example.com"
	DefaultTargetDomain = "target.example.com"
)

func (FrontingConfig) Kind() TransportKind { return KindFronting }

// WithDefaults fills unset domains. A block with neither domain set is taken
// as absent and also gets TLS.
func (f FrontingConfig) WithDefaults() FrontingConfig {
	if f.FrontDomain == "" && f.TargetDomain == "" {
		f.UseTLS = true
	}
	if f.FrontDomain == "" {
		f.FrontDomain = DefaultFrontDomain
	}
	if f.TargetDomain == "" {
		f.TargetDomain = DefaultTargetDomain
	}
	return f
}
func (FrontingConfig) transportConfig()    {}

func (c FrontingConfig) Validate() error {
	if c.FrontDomain == "" {
		return &ConfigError{Field: "fronting.frontDomain", Reason: "is required"}
	}
	if c.TargetDomain == "" {
		return &ConfigError{Field: "fronting.targetDomain", Reason: "is required"}
	}
	if strings.ContainsAny(c.FrontDomain, "/: ") || strings.ContainsAny(c.TargetDomain, "/ ") {
		return &ConfigError{Field: "fronting", Reason: "domains must be bare host names"}
	}
	if c.Port < 0 || c.Port > 65535 {
		return &ConfigError{Field: "fronting.port", Reason: "out of range"}
	}
	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		return &ConfigError{Field: "fronting.path", Reason: "must start with /"}
	}
	for _, pin := range c.PinnedSPKI {
		b, err := base64.StdEncoding.DecodeString(pin)
		if err != nil || len(b) != 32 {
			return &ConfigError{Field: "fronting.pinnedSpki", Reason: fmt.Sprintf("invalid pin %q", pin)}
		}
	}
	return nil
}

// PortOrDefault returns the configured port or 443/80 depending on UseTLS.
func (c FrontingConfig) PortOrDefault() int {
	if c.Port > 0 {
		return c.Port
	}
	if c.UseTLS {
		return 443
	}
	return 80
}

func (c FrontingConfig) Clone() FrontingConfig {
	c.PinnedSPKI = slices.Clone(c.PinnedSPKI)
	return c
}

// OverlayConfig configures the peer overlay candidate.
type OverlayConfig struct {
	ListenAddr     string        `json:"listenAddr"`
	BootstrapPeers []string      `json:"bootstrapPeers"`
	PingInterval   time.Duration `json:"pingInterval,omitempty"`
}

const (
	DefaultOverlayListen = "0.0.0.0:0"
	DefaultPingInterval  = 15 * time.Second
)

func (OverlayConfig) Kind() TransportKind { return KindOverlay }
func (OverlayConfig) transportConfig()    {}

func (c OverlayConfig) Validate() error {
	if c.ListenAddr != "" {
		if _, err := netip.ParseAddrPort(c.ListenAddr); err != nil {
			return &ConfigError{Field: "overlay.listenAddr", Reason: err.Error()}
		}
	}
	seen := make(map[string]struct{}, len(c.BootstrapPeers))
	for _, p := range c.BootstrapPeers {
		if strings.TrimSpace(p) == "" {
			return &ConfigError{Field: "overlay.bootstrapPeers", Reason: "empty address"}
		}
		if _, ok := seen[p]; ok {
			return &ConfigError{Field: "overlay.bootstrapPeers", Reason: fmt.Sprintf("duplicate address %q", p)}
		}
		seen[p] = struct{}{}
	}
	if c.PingInterval < 0 {
		return &ConfigError{Field: "overlay.pingInterval", Reason: "must not be negative"}
	}
	return nil
}

func (c OverlayConfig) Clone() OverlayConfig {
	c.BootstrapPeers = slices.Clone(c.BootstrapPeers)
	return c
}

// Listen returns the listen address or the wildcard default.
func (c OverlayConfig) Listen() string {
	if c.ListenAddr == "" {
		return DefaultOverlayListen
	}
	return c.ListenAddr
}

// Interval returns the ping interval or the default.
func (c OverlayConfig) Interval() time.Duration {
	if c.PingInterval <= 0 {
		return DefaultPingInterval
	}
	return c.PingInterval
}
