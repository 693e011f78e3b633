// Package obfs implements an obfuscated stream transport in the style of
// obfs4: an X25519 handshake authenticated by the bridge certificate,
// keystream-masked frame lengths and random padding.
package obfs

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"gopkg.in/op/go-logging.v1"

	elog "escape/pkg/log"
	"escape/pkg/model"
	"escape/pkg/transport"
)

// Dial connects to addr and runs the client handshake.
func Dial(ctx context.Context, network, addr string, cert Cert, iat bool) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, err := Client(ctx, raw, cert, iat)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return c, nil
}

// Candidate dials the target bridge.
type Candidate struct {
	log *logging.Logger
}

func NewCandidate(log *logging.Logger) *Candidate {
	return &Candidate{log: elog.OrDiscard(log, "obfs")}
}

func (c *Candidate) Kind() model.TransportKind { return model.KindObfuscation }

func (c *Candidate) Attempt(ctx context.Context, target netip.AddrPort, cfg model.TransportConfig) (transport.Session, error) {
	oc, err := transport.ConfigAs[model.ObfuscationConfig](cfg)
	if err != nil {
		return nil, err
	}
	cert, err := ParseCert(oc.Cert)
	if err != nil {
		return nil, &model.ConfigError{Field: "obfuscation.cert", Reason: err.Error()}
	}
	return transport.Isolate(ctx, func(ctx context.Context) (transport.Session, error) {
		conn, err := Dial(ctx, "tcp", target.String(), cert, oc.IATMode)
		if err != nil {
			return nil, err
		}
		c.log.Infof("obfuscated session to %s (iat=%v)", target, oc.IATMode)
		return transport.NewConnSession(model.KindObfuscation, conn), nil
	})
}
