// Package fronting implements the domain-fronted candidate: a websocket over
// TLS whose SNI names the front domain while the HTTP Host header names the
// hidden target.
package fronting

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	elog "escape/pkg/log"
	"escape/pkg/model"
	"escape/pkg/transport"
)

const handshakeTimeout = 15 * time.Second

type Options struct {
	// RootCAs replaces the system roots when set.
	RootCAs *x509.CertPool
	// DialContext, when set, opens the TCP connection instead of dialing the
	// front domain.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	Log         *logging.Logger
}

// Candidate dials the front domain and asks the edge for the target.
type Candidate struct {
	roots *x509.CertPool
	dial  func(ctx context.Context, network, addr string) (net.Conn, error)
	log   *logging.Logger
}

func NewCandidate(opts Options) *Candidate {
	dial := opts.DialContext
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	return &Candidate{roots: opts.RootCAs, dial: dial, log: elog.OrDiscard(opts.Log, "fronting")}
}

func (c *Candidate) Kind() model.TransportKind { return model.KindFronting }

// Attempt ignores target: the network peer of a fronted session is always
// the front domain.
func (c *Candidate) Attempt(ctx context.Context, _ netip.AddrPort, cfg model.TransportConfig) (transport.Session, error) {
	fc, err := transport.ConfigAs[model.FrontingConfig](cfg)
	if err != nil {
		return nil, err
	}
	return transport.Isolate(ctx, func(ctx context.Context) (transport.Session, error) {
		conn, err := c.Dial(ctx, fc)
		if err != nil {
			return nil, err
		}
		return transport.NewConnSession(model.KindFronting, conn), nil
	})
}

// URL returns the websocket URL for fc.
func URL(fc model.FrontingConfig) string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(fc.FrontDomain, strconv.Itoa(fc.PortOrDefault())),
		Path:   fc.Path,
	}
	if fc.UseTLS {
		u.Scheme = "wss"
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

// Dial opens the fronted websocket and returns it as a stream.
func (c *Candidate) Dial(ctx context.Context, fc model.FrontingConfig) (net.Conn, error) {
	dialer := websocket.Dialer{
		NetDialContext:   c.dial,
		HandshakeTimeout: handshakeTimeout,
	}
	if fc.UseTLS {
		dialer.TLSClientConfig = tlsConfig(fc.FrontDomain, c.roots, fc.PinnedSPKI)
	}
	header := http.Header{}
	header.Set("Host", fc.TargetDomain)

	endpoint := URL(fc)
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("fronted dial failed: %w (url=%s host=%s status=%d)", err, endpoint, fc.TargetDomain, status)
	}
	c.log.Infof("fronted session via %s for %s", fc.FrontDomain, fc.TargetDomain)
	return newWSConn(ws), nil
}
