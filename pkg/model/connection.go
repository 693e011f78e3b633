package model

import (
	"fmt"
	"net/netip"
	"time"
)

const DefaultAttemptTimeout = 20 * time.Second

// ConnectionConfig aggregates everything the orchestrator may try for one
// Establish call.
type ConnectionConfig struct {
	Endpoint          netip.AddrPort `json:"endpoint"`
	UseObfuscation    bool           `json:"useObfuscation"`
	FallbackToOverlay bool           `json:"fallbackToOverlay"`
	Tunnel            *TunnelConfig  `json:"tunnel,omitempty"`

	Obfuscation    ObfuscationConfig `json:"obfuscation"`
	Fronting       FrontingConfig    `json:"fronting"`
	Overlay        OverlayConfig     `json:"overlay"`
	AttemptTimeout time.Duration     `json:"attemptTimeout,omitempty"`
}

// Validate checks every enabled transport's configuration. It performs no I/O.
func (c ConnectionConfig) Validate() error {
	if !c.Endpoint.IsValid() || c.Endpoint.Port() == 0 {
		return &ConfigError{Field: "endpoint", Reason: "a host:port address is required"}
	}
	if c.AttemptTimeout < 0 {
		return &ConfigError{Field: "attemptTimeout", Reason: "must not be negative"}
	}
	if c.Tunnel != nil {
		if err := c.Tunnel.Validate(); err != nil {
			return err
		}
	}
	if c.UseObfuscation {
		if err := c.Obfuscation.Validate(); err != nil {
			return err
		}
	}
	if err := c.Fronting.Validate(); err != nil {
		return err
	}
	if c.FallbackToOverlay {
		if err := c.Overlay.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// WithDefaults fills the settings of transports that need no opt-in.
func (c ConnectionConfig) WithDefaults() ConnectionConfig {
	c.Fronting = c.Fronting.WithDefaults()
	return c
}

// Timeout returns the per-attempt timeout or the default.
func (c ConnectionConfig) Timeout() time.Duration {
	if c.AttemptTimeout <= 0 {
		return DefaultAttemptTimeout
	}
	return c.AttemptTimeout
}

// Clone returns a deep copy so the caller's value can change without
// affecting an in-flight attempt.
func (c ConnectionConfig) Clone() ConnectionConfig {
	if c.Tunnel != nil {
		t := c.Tunnel.Clone()
		c.Tunnel = &t
	}
	c.Obfuscation = c.Obfuscation.Clone()
	c.Fronting = c.Fronting.Clone()
	c.Overlay = c.Overlay.Clone()
	return c
}

// ConfigError reports malformed input detected before any I/O.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}
