package overlay

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	pingSize    = 32
	pingTimeout = 10 * time.Second
)

var errEchoMismatch = errors.New("ping: echo mismatch")

func (n *Network) pingLoop(ctx context.Context) {
	defer n.wg.Done()
	t := time.NewTicker(n.cfg.Interval())
	defer t.Stop()
	for {
		n.pingAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-n.closed:
			return
		case <-t.C:
		}
	}
}

// bootstrap returns the configured bootstrap peers followed by discovered ones,
// without duplicates.
func (n *Network) bootstrap(ctx context.Context) []PeerAddr {
	raw := append([]string(nil), n.cfg.BootstrapPeers...)
	if n.disco != nil {
		found, err := n.disco.Peers(ctx)
		if err != nil {
			n.log.Warningf("discovery: %v", err)
		}
		raw = append(raw, found...)
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]PeerAddr, 0, len(raw))
	for _, s := range raw {
		p, err := ParsePeerAddr(s)
		if err != nil {
			n.log.Warningf("skip bootstrap peer: %v", err)
			continue
		}
		if p.ID == n.ID() {
			continue
		}
		if _, ok := seen[p.Addr]; ok {
			continue
		}
		seen[p.Addr] = struct{}{}
		out = append(out, p)
	}
	return out
}

func (n *Network) pingAll(ctx context.Context) {
	for _, p := range n.bootstrap(ctx) {
		if ctx.Err() != nil {
			return
		}
		pctx, cancel := context.WithTimeout(ctx, min(pingTimeout, n.cfg.Interval()))
		rtt, id, err := n.Ping(pctx, p)
		cancel()
		if err != nil {
			n.emit(Event{Kind: EventPingFailed, Peer: p.ID, Addr: p.Addr, Err: err})
			continue
		}
		n.emit(Event{Kind: EventPing, Peer: id, Addr: p.Addr, RTT: rtt})
	}
}

// Ping sends one echo to p over a cached connection and returns the
// round trip time and the peer's node id.
func (n *Network) Ping(ctx context.Context, p PeerAddr) (time.Duration, NodeID, error) {
	conn, err := n.connect(ctx, p)
	if err != nil {
		return 0, "", err
	}
	rtt, err := ping(ctx, conn)
	if err != nil {
		n.drop(p.Addr, conn, err)
		return 0, "", err
	}
	return rtt, remoteID(conn.ConnectionState().TLS), nil
}

func (n *Network) connect(ctx context.Context, p PeerAddr) (*quic.Conn, error) {
	n.mu.Lock()
	if c, ok := n.peers[p.Addr]; ok {
		n.mu.Unlock()
		select {
		case <-c.Context().Done():
			n.drop(p.Addr, c, context.Cause(c.Context()))
		default:
			return c, nil
		}
	} else {
		n.mu.Unlock()
	}
	if n.isClosed() {
		return nil, ErrClosed
	}

	raddr, err := net.ResolveUDPAddr("udp", p.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", p.Addr, err)
	}
	c, err := n.tr.Dial(ctx, raddr, n.id.clientTLS(p.ID), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.Addr, err)
	}
	n.mu.Lock()
	if prev, ok := n.peers[p.Addr]; ok {
		n.mu.Unlock()
		_ = c.CloseWithError(0, "duplicate")
		return prev, nil
	}
	n.peers[p.Addr] = c
	n.mu.Unlock()
	n.emit(Event{Kind: EventPeerConnected, Peer: remoteID(c.ConnectionState().TLS), Addr: p.Addr})
	return c, nil
}

func (n *Network) drop(addr string, c *quic.Conn, cause error) {
	n.mu.Lock()
	if n.peers[addr] == c {
		delete(n.peers, addr)
	}
	n.mu.Unlock()
	_ = c.CloseWithError(0, "ping failed")
	n.emit(Event{Kind: EventPeerDisconnected, Peer: remoteID(c.ConnectionState().TLS), Addr: addr, Err: cause})
}

func ping(ctx context.Context, conn *quic.Conn) (time.Duration, error) {
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return 0, fmt.Errorf("open ping stream: %w", err)
	}
	defer s.CancelRead(0)
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	payload := make([]byte, pingSize)
	if _, err := rand.Read(payload); err != nil {
		return 0, err
	}
	start := time.Now()
	if _, err := s.Write(payload); err != nil {
		return 0, fmt.Errorf("ping write: %w", err)
	}
	_ = s.Close()
	echo := make([]byte, pingSize)
	if _, err := io.ReadFull(s, echo); err != nil {
		return 0, fmt.Errorf("ping read: %w", err)
	}
	if !bytes.Equal(payload, echo) {
		return 0, errEchoMismatch
	}
	return time.Since(start), nil
}

// serve echoes ping streams on an inbound connection. Echoes count against
// n.wg so Run outlives them.
func (n *Network) serve(ctx context.Context, conn *quic.Conn) {
	peer := remoteID(conn.ConnectionState().TLS)
	addr := conn.RemoteAddr().String()
	n.emit(Event{Kind: EventPeerConnected, Peer: peer, Addr: addr})
	defer n.emit(Event{Kind: EventPeerDisconnected, Peer: peer, Addr: addr})
	for {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			defer s.Close()
			_ = s.SetDeadline(time.Now().Add(pingTimeout))
			buf := make([]byte, pingSize)
			if _, err := io.ReadFull(s, buf); err != nil {
				s.CancelRead(0)
				return
			}
			_, _ = s.Write(buf)
		}()
	}
}
