package overlay

import (
	"context"
	"encoding/hex"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escape/pkg/model"
	"escape/pkg/transport"
)

func TestIdentity(t *testing.T) {
	a, err := NewIdentity()
	require.NoError(t, err)
	b, err := NewIdentity()
	require.NoError(t, err)

	require.Len(t, string(a.ID()), 32)
	_, err = hex.DecodeString(string(a.ID()))
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, a.ID(), IDFromKey(a.PublicKey()))

	got, err := verifyPeer(a.cert.Certificate, a.ID())
	require.NoError(t, err)
	require.Equal(t, a.ID(), got)
	_, err = verifyPeer(a.cert.Certificate, b.ID())
	require.ErrorIs(t, err, errPeerIdentity)
}

func TestParsePeerAddr(t *testing.T) {
	p, err := ParsePeerAddr("198.51.100.4:4001")
	require.NoError(t, err)
	require.Equal(t, PeerAddr{Addr: "198.51.100.4:4001"}, p)

	id := "00112233445566778899aabbccddeeff"
	p, err = ParsePeerAddr(id + "@[2001:db8::1]:4001")
	require.NoError(t, err)
	require.Equal(t, NodeID(id), p.ID)
	require.Equal(t, "[2001:db8::1]:4001", p.Addr)
	require.Equal(t, id+"@[2001:db8::1]:4001", p.String())

	for _, bad := range []string{"", "nohost", ":4001", "zz@1.2.3.4:1", "1.2.3.4:"} {
		_, err := ParsePeerAddr(bad)
		require.Error(t, err, bad)
	}
}

func startNode(t *testing.T, cfg model.OverlayConfig, events chan Event) *Network {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	n, err := New(cfg, Options{Observer: func(ev Event) {
		if events != nil {
			select {
			case events <- ev:
			default:
			}
		}
	}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return n
}

func waitFor(t *testing.T, events chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestListeningEvent(t *testing.T) {
	events := make(chan Event, 16)
	n := startNode(t, model.OverlayConfig{}, events)
	ev := waitFor(t, events, EventListening)
	require.Equal(t, n.ID(), ev.Peer)
	require.Equal(t, n.ListenAddr().String(), ev.Addr)
}

func TestPingBetweenNodes(t *testing.T) {
	a := startNode(t, model.OverlayConfig{}, nil)

	events := make(chan Event, 64)
	peer := PeerAddr{ID: a.ID(), Addr: a.ListenAddr().String()}.String()
	startNode(t, model.OverlayConfig{BootstrapPeers: []string{peer}, PingInterval: 50 * time.Millisecond}, events)

	ev := waitFor(t, events, EventPing)
	require.Equal(t, a.ID(), ev.Peer)
	require.Positive(t, ev.RTT)
}

func TestPingRejectsWrongIdentity(t *testing.T) {
	a := startNode(t, model.OverlayConfig{}, nil)
	other, err := NewIdentity()
	require.NoError(t, err)

	events := make(chan Event, 64)
	peer := PeerAddr{ID: other.ID(), Addr: a.ListenAddr().String()}.String()
	startNode(t, model.OverlayConfig{BootstrapPeers: []string{peer}, PingInterval: 50 * time.Millisecond}, events)

	ev := waitFor(t, events, EventPingFailed)
	require.Error(t, ev.Err)
}

func TestRunWaitsForEchoStreams(t *testing.T) {
	a, err := New(model.OverlayConfig{ListenAddr: "127.0.0.1:0"}, Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	b := startNode(t, model.OverlayConfig{}, nil)
	conn, err := b.connect(context.Background(), PeerAddr{ID: a.ID(), Addr: a.ListenAddr().String()})
	require.NoError(t, err)
	s, err := conn.OpenStreamSync(context.Background())
	require.NoError(t, err)
	// half a ping leaves the echo blocked on read
	_, err = s.Write(make([]byte, pingSize/2))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	_ = s.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = s.Read(make([]byte, pingSize))
	require.Error(t, err)
}

func TestDiscoveredPeersArePinged(t *testing.T) {
	a := startNode(t, model.OverlayConfig{}, nil)

	events := make(chan Event, 64)
	n, err := New(model.OverlayConfig{ListenAddr: "127.0.0.1:0", PingInterval: 50 * time.Millisecond}, Options{
		Discovery: StaticDiscovery{a.ListenAddr().String()},
		Observer: func(ev Event) {
			select {
			case events <- ev:
			default:
			}
		},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	require.Equal(t, a.ID(), waitFor(t, events, EventPing).Peer)
}

func TestCandidateSession(t *testing.T) {
	c := NewCandidate(Options{})
	s, err := c.Attempt(context.Background(), netip.AddrPort{}, model.OverlayConfig{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.Equal(t, model.KindOverlay, s.Kind())

	ses := s.(*Session)
	require.NotNil(t, ses.Network().ListenAddr())
	select {
	case <-ses.Done():
		t.Fatal("run loop ended early")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.Close())
	require.NoError(t, ses.Wait())
	require.NoError(t, s.Close())
}

func TestCandidateBindFailure(t *testing.T) {
	a := startNode(t, model.OverlayConfig{}, nil)
	_, err := NewCandidate(Options{}).Attempt(context.Background(), netip.AddrPort{},
		model.OverlayConfig{ListenAddr: a.ListenAddr().String()})
	require.Error(t, err)
}

func TestCandidateWrongConfig(t *testing.T) {
	_, err := NewCandidate(Options{}).Attempt(context.Background(), netip.AddrPort{}, model.TunnelConfig{})
	require.ErrorIs(t, err, transport.ErrWrongConfig)
}
