// Package wireguard implements the kernel WireGuard tunnel candidate.
package wireguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gopkg.in/op/go-logging.v1"

	elog "escape/pkg/log"
	"escape/pkg/model"
	"escape/pkg/transport"
)

var (
	ErrTornDown      = errors.New("tunnel already torn down")
	ErrInterfaceBusy = errors.New("interface already exists")
)

// Candidate brings up a WireGuard interface with a single peer.
type Candidate struct {
	ctl Controller
	log *logging.Logger
}

// NewCandidate returns a tunnel candidate. A nil ctl uses LinkController.
func NewCandidate(ctl Controller, log *logging.Logger) *Candidate {
	if ctl == nil {
		ctl = LinkController{}
	}
	return &Candidate{ctl: ctl, log: elog.OrDiscard(log, "tunnel")}
}

func (c *Candidate) Kind() model.TransportKind { return model.KindTunnel }

func (c *Candidate) Attempt(ctx context.Context, target netip.AddrPort, cfg model.TransportConfig) (transport.Session, error) {
	tc, err := transport.ConfigAs[model.TunnelConfig](cfg)
	if err != nil {
		return nil, err
	}
	wgcfg, err := DeviceConfig(tc, target)
	if err != nil {
		return nil, err
	}
	return transport.Isolate(ctx, func(ctx context.Context) (transport.Session, error) {
		return c.bringUp(ctx, tc.InterfaceName(), tc.Address, wgcfg)
	})
}

// bringUp creates, configures and raises name. An interface this process did
// not create is left alone, since the session would delete it on Close.
func (c *Candidate) bringUp(ctx context.Context, name string, addr netip.Prefix, wgcfg wgtypes.Config) (s transport.Session, err error) {
	if c.ctl.Exists(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrInterfaceBusy)
	}
	if err := c.ctl.Create(name); err != nil {
		return nil, fmt.Errorf("create interface %s: %w", name, err)
	}
	defer func() {
		if err != nil {
			if derr := c.ctl.Delete(name); derr != nil {
				c.log.Warningf("rollback %s: %v", name, derr)
			}
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.ctl.Configure(name, wgcfg); err != nil {
		return nil, fmt.Errorf("peer configuration rejected: %w", err)
	}
	if addr.IsValid() {
		if err := c.ctl.AddAddress(name, addr); err != nil {
			return nil, fmt.Errorf("assign address %s: %w", addr, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.ctl.Up(name); err != nil {
		return nil, fmt.Errorf("bring up %s: %w", name, err)
	}
	c.log.Infof("interface %s up", name)
	return &Session{ctl: c.ctl, name: name, log: c.log}, nil
}

// DeviceConfig converts a tunnel config to wgctrl device settings. The
// config's own endpoint wins over target.
func DeviceConfig(tc model.TunnelConfig, target netip.AddrPort) (wgtypes.Config, error) {
	priv, err := wgtypes.ParseKey(tc.PrivateKey)
	if err != nil {
		return wgtypes.Config{}, &model.ConfigError{Field: "tunnel.privateKey", Reason: err.Error()}
	}
	pub, err := wgtypes.ParseKey(tc.PublicKey)
	if err != nil {
		return wgtypes.Config{}, &model.ConfigError{Field: "tunnel.publicKey", Reason: err.Error()}
	}
	ep := tc.Endpoint
	if !ep.IsValid() {
		ep = target
	}
	if !ep.IsValid() {
		return wgtypes.Config{}, &model.ConfigError{Field: "tunnel.endpoint", Reason: "no endpoint"}
	}

	peer := wgtypes.PeerConfig{
		PublicKey:         pub,
		Endpoint:          net.UDPAddrFromAddrPort(ep),
		ReplaceAllowedIPs: true,
	}
	for _, p := range tc.AllowedIPs {
		p = p.Masked()
		peer.AllowedIPs = append(peer.AllowedIPs, net.IPNet{
			IP:   p.Addr().AsSlice(),
			Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
		})
	}
	if tc.Keepalive > 0 {
		ka := tc.Keepalive
		peer.PersistentKeepaliveInterval = &ka
	}

	out := wgtypes.Config{
		PrivateKey:   &priv,
		ReplacePeers: true,
		Peers:        []wgtypes.PeerConfig{peer},
	}
	if tc.ListenPort > 0 {
		port := tc.ListenPort
		out.ListenPort = &port
	}
	return out, nil
}

// Session is a live tunnel interface. Close tears it down.
type Session struct {
	ctl    Controller
	name   string
	log    *logging.Logger
	closed atomic.Bool
}

func (s *Session) Kind() model.TransportKind { return model.KindTunnel }

func (s *Session) Interface() string { return s.name }

// Close deletes the interface. It succeeds at most once; later calls return
// ErrTornDown.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrTornDown
	}
	if err := s.ctl.Delete(s.name); err != nil {
		return fmt.Errorf("teardown %s: %w", s.name, err)
	}
	s.log.Infof("interface %s removed", s.name)
	return nil
}
