// Package config loads the escape client configuration from a TOML file,
// an optional .env file and ESCAPE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"golang.org/x/net/idna"

	elog "escape/pkg/log"
	"escape/pkg/model"
	"escape/pkg/overlay"
	"escape/pkg/wipe"
)

const (
	defaultLogLevel = "NOTICE"
	stateDirName    = "escape"
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool
	// File specifies the log file, if omitted stdout will be used.
	File string
	// Level specifies the log level: ERROR, WARNING, NOTICE, INFO or DEBUG.
	Level string
}

func (l *Logging) validate() error {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
	if _, err := elog.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("config: Logging: %w", err)
	}
	return nil
}

// State locates the directories an emergency wipe removes.
type State struct {
	// Dir is the parent of escape-config and escape-temp. It defaults to
	// the user configuration directory.
	Dir string
}

func (s *State) applyDefaults() {
	if s.Dir != "" {
		return
	}
	if d, err := os.UserConfigDir(); err == nil {
		s.Dir = filepath.Join(d, stateDirName)
		return
	}
	s.Dir = "."
}

// ConfigDir holds long lived client material.
func (s *State) ConfigDir() string { return filepath.Join(s.Dir, wipe.ConfigDir) }

// TempDir holds per-run state: the instance lock and the attempt journal.
func (s *State) TempDir() string { return filepath.Join(s.Dir, wipe.TempDir) }

// Connection is the connection block.
type Connection struct {
	Endpoint          string
	UseObfuscation    bool
	FallbackToOverlay bool
	// AttemptTimeout is a duration string such as "20s".
	AttemptTimeout string
}

// Tunnel enables the WireGuard candidate when present.
type Tunnel struct {
	PrivateKey string
	PublicKey  string
	Endpoint   string
	AllowedIPs []string
	Interface  string
	Address    string
	ListenPort int
	Keepalive  string
}

type Obfuscation struct {
	Cert    string
	IATMode bool
}

type Fronting struct {
	FrontDomain  string
	TargetDomain string
	// UseTLS defaults to true.
	UseTLS     *bool
	Path       string
	Port       int
	PinnedSPKI []string
	// CAFile replaces the system roots when set.
	CAFile string
}

type Overlay struct {
	ListenAddr     string
	BootstrapPeers []string
	PingInterval   string
}

// Consul configures overlay peer discovery. It is used only by builds with
// the consul tag.
type Consul struct {
	Addr   string
	Token  string
	Prefix string
}

type Metrics struct {
	// Textfile is written on exit in the node_exporter textfile format.
	Textfile string
}

// Config is the top level configuration.
type Config struct {
	Logging     *Logging
	State       *State
	Connection  *Connection
	Tunnel      *Tunnel
	Obfuscation *Obfuscation
	Fronting    *Fronting
	Overlay     *Overlay
	Consul      *Consul
	Metrics     *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration. Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Connection == nil {
		return errors.New("config: No Connection block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if cfg.State == nil {
		cfg.State = &State{}
	}
	cfg.State.applyDefaults()
	if cfg.Obfuscation == nil {
		cfg.Obfuscation = &Obfuscation{}
	}
	if cfg.Fronting == nil {
		cfg.Fronting = &Fronting{}
	}
	if cfg.Overlay == nil {
		cfg.Overlay = &Overlay{}
	}
	if cfg.Consul == nil {
		cfg.Consul = &Consul{}
	}
	if cfg.Consul.Prefix == "" {
		cfg.Consul.Prefix = overlay.DefaultDiscoveryPrefix
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}

	fr := cfg.Fronting
	if fr.FrontDomain == "" {
		fr.FrontDomain = model.DefaultFrontDomain
	}
	if fr.TargetDomain == "" {
		fr.TargetDomain = model.DefaultTargetDomain
	}
	if fr.UseTLS == nil {
		t := true
		fr.UseTLS = &t
	}
	var err error
	if fr.FrontDomain, err = idna.Lookup.ToASCII(fr.FrontDomain); err != nil {
		return fmt.Errorf("config: Failed to normalize FrontDomain: %v", err)
	}
	if fr.TargetDomain, err = idna.Lookup.ToASCII(fr.TargetDomain); err != nil {
		return fmt.Errorf("config: Failed to normalize TargetDomain: %v", err)
	}

	c, err := cfg.ConnectionConfig()
	if err != nil {
		return err
	}
	return c.Validate()
}

// ConnectionConfig builds the orchestrator input from the loaded file.
func (cfg *Config) ConnectionConfig() (model.ConnectionConfig, error) {
	var c model.ConnectionConfig
	if cfg.Connection == nil {
		return c, errors.New("config: No Connection block was present")
	}
	var err error
	if c.Endpoint, err = parseAddrPort("Connection.Endpoint", cfg.Connection.Endpoint); err != nil {
		return c, err
	}
	c.UseObfuscation = cfg.Connection.UseObfuscation
	c.FallbackToOverlay = cfg.Connection.FallbackToOverlay
	if c.AttemptTimeout, err = parseDuration("Connection.AttemptTimeout", cfg.Connection.AttemptTimeout); err != nil {
		return c, err
	}

	if t := cfg.Tunnel; t != nil {
		tc := model.TunnelConfig{
			PrivateKey: t.PrivateKey,
			PublicKey:  t.PublicKey,
			Interface:  t.Interface,
			ListenPort: t.ListenPort,
		}
		if t.Endpoint != "" {
			if tc.Endpoint, err = parseAddrPort("Tunnel.Endpoint", t.Endpoint); err != nil {
				return c, err
			}
		}
		for _, s := range t.AllowedIPs {
			p, err := netip.ParsePrefix(strings.TrimSpace(s))
			if err != nil {
				return c, fmt.Errorf("config: Tunnel.AllowedIPs: %w", err)
			}
			tc.AllowedIPs = append(tc.AllowedIPs, p)
		}
		if t.Address != "" {
			if tc.Address, err = netip.ParsePrefix(t.Address); err != nil {
				return c, fmt.Errorf("config: Tunnel.Address: %w", err)
			}
		}
		if tc.Keepalive, err = parseDuration("Tunnel.Keepalive", t.Keepalive); err != nil {
			return c, err
		}
		c.Tunnel = &tc
	}

	if o := cfg.Obfuscation; o != nil {
		c.Obfuscation = model.ObfuscationConfig{Cert: o.Cert, IATMode: o.IATMode}
	}
	if f := cfg.Fronting; f != nil {
		c.Fronting = model.FrontingConfig{
			FrontDomain:  f.FrontDomain,
			TargetDomain: f.TargetDomain,
			UseTLS:       f.UseTLS == nil || *f.UseTLS,
			Path:         f.Path,
			Port:         f.Port,
			PinnedSPKI:   f.PinnedSPKI,
		}
	}
	if o := cfg.Overlay; o != nil {
		c.Overlay = model.OverlayConfig{ListenAddr: o.ListenAddr, BootstrapPeers: o.BootstrapPeers}
		if c.Overlay.PingInterval, err = parseDuration("Overlay.PingInterval", o.PingInterval); err != nil {
			return c, err
		}
	}
	return c.Clone(), nil
}

func parseAddrPort(field, s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(strings.TrimSpace(s))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("config: %s: %w", field, err)
	}
	return ap, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	return d, nil
}

// env overrides, applied after the file is decoded.
var overrides = []struct {
	key string
	set func(*Config, string)
}{
	{"ESCAPE_ENDPOINT", func(c *Config, v string) { c.connection().Endpoint = v }},
	{"ESCAPE_LOG_LEVEL", func(c *Config, v string) { c.logging().Level = v }},
	{"ESCAPE_LOG_FILE", func(c *Config, v string) { c.logging().File = v }},
	{"ESCAPE_STATE_DIR", func(c *Config, v string) { c.state().Dir = v }},
	{"ESCAPE_TUNNEL_PRIVATE_KEY", func(c *Config, v string) {
		if c.Tunnel != nil {
			c.Tunnel.PrivateKey = v
		}
	}},
	{"ESCAPE_OBFS_CERT", func(c *Config, v string) { c.obfuscation().Cert = v }},
	{"ESCAPE_FRONT_DOMAIN", func(c *Config, v string) { c.fronting().FrontDomain = v }},
	{"ESCAPE_TARGET_DOMAIN", func(c *Config, v string) { c.fronting().TargetDomain = v }},
	{"ESCAPE_CA_FILE", func(c *Config, v string) { c.fronting().CAFile = v }},
	{"ESCAPE_CONSUL_ADDR", func(c *Config, v string) { c.consul().Addr = v }},
	{"ESCAPE_CONSUL_TOKEN", func(c *Config, v string) { c.consul().Token = v }},
	{"ESCAPE_METRICS_TEXTFILE", func(c *Config, v string) { c.metrics().Textfile = v }},
}

func (cfg *Config) applyEnv() {
	for _, o := range overrides {
		if v := getenv(o.key, ""); v != "" {
			o.set(cfg, v)
		}
	}
}

func (cfg *Config) connection() *Connection {
	if cfg.Connection == nil {
		cfg.Connection = &Connection{}
	}
	return cfg.Connection
}

func (cfg *Config) logging() *Logging {
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	return cfg.Logging
}

func (cfg *Config) state() *State {
	if cfg.State == nil {
		cfg.State = &State{}
	}
	return cfg.State
}

func (cfg *Config) obfuscation() *Obfuscation {
	if cfg.Obfuscation == nil {
		cfg.Obfuscation = &Obfuscation{}
	}
	return cfg.Obfuscation
}

func (cfg *Config) fronting() *Fronting {
	if cfg.Fronting == nil {
		cfg.Fronting = &Fronting{}
	}
	return cfg.Fronting
}

func (cfg *Config) consul() *Consul {
	if cfg.Consul == nil {
		cfg.Consul = &Consul{}
	}
	return cfg.Consul
}

func (cfg *Config) metrics() *Metrics {
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	return cfg.Metrics
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// LoadDotEnv loads path into the environment when it exists. Variables
// already set are not overwritten.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err == nil {
		return godotenv.Load(path)
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	if _, err := toml.Decode(string(b), cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
