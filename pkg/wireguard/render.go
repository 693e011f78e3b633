package wireguard

import (
	"fmt"
	"strings"

	"escape/pkg/model"
)

// RenderConfig produces a wg-quick compatible config string for a tunnel
// config so the same tunnel can be brought up by hand or on another device.
func RenderConfig(cfg model.TunnelConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("[Interface]\n")
	if cfg.Address.IsValid() {
		fmt.Fprintf(&b, "Address = %s\n", cfg.Address)
	}
	if cfg.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", cfg.ListenPort)
	}
	fmt.Fprintf(&b, "PrivateKey = %s\n", cfg.PrivateKey)
	b.WriteString("\n")

	b.WriteString("[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", cfg.PublicKey)
	if cfg.Endpoint.IsValid() {
		fmt.Fprintf(&b, "Endpoint = %s\n", cfg.Endpoint)
	}
	allowed := make([]string, 0, len(cfg.AllowedIPs))
	for _, p := range cfg.AllowedIPs {
		allowed = append(allowed, p.String())
	}
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(allowed, ", "))
	if s := int(cfg.Keepalive.Seconds()); s > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", s)
	}
	return b.String(), nil
}
