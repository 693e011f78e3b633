// Package overlay is the last-resort peer overlay: an ephemeral node identity,
// a QUIC endpoint that both listens and dials on one UDP socket, and a ping
// protocol that keeps bootstrap peers alive.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	elog "escape/pkg/log"
	"escape/pkg/model"
)

type EventKind int

const (
	EventListening EventKind = iota + 1
	EventPing
	EventPingFailed
	EventPeerConnected
	EventPeerDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventListening:
		return "listening"
	case EventPing:
		return "ping"
	case EventPingFailed:
		return "ping-failed"
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Peer NodeID
	Addr string
	RTT  time.Duration
	Err  error
}

// Discoverer supplies bootstrap peers in addition to the configured ones.
type Discoverer interface {
	Peers(ctx context.Context) ([]string, error)
}

// Announcer publishes this node for others to discover.
type Announcer interface {
	Announce(ctx context.Context, id NodeID, addr string) error
}

type Options struct {
	// Identity defaults to a fresh ephemeral identity.
	Identity *Identity
	Log      *logging.Logger
	// Observer sees every event the run loop drains.
	Observer  func(Event)
	Discovery Discoverer
}

const (
	eventBuffer = 64
	idleTimeout = time.Minute
)

var ErrClosed = errors.New("overlay: network closed")

// Network is one overlay node.
type Network struct {
	id       *Identity
	cfg      model.OverlayConfig
	log      *logging.Logger
	observer func(Event)
	disco    Discoverer

	udp *net.UDPConn
	tr  *quic.Transport
	ln  *quic.Listener

	events chan Event
	fatal  chan error

	mu    sync.Mutex
	peers map[string]*quic.Conn

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: idleTimeout / 3,
	}
}

// New creates the node and binds its listener. A returned Network is
// listening; Run drives it.
func New(cfg model.OverlayConfig, opts Options) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := opts.Identity
	if id == nil {
		var err error
		if id, err = NewIdentity(); err != nil {
			return nil, err
		}
	}
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen())
	if err != nil {
		return nil, fmt.Errorf("overlay listen address: %w", err)
	}
	udp, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("overlay listen: %w", err)
	}
	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(id.serverTLS(), quicConfig())
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("overlay listen: %w", err)
	}
	n := &Network{
		id:       id,
		cfg:      cfg.Clone(),
		log:      elog.OrDiscard(opts.Log, "overlay"),
		observer: opts.Observer,
		disco:    opts.Discovery,
		udp:      udp,
		tr:       tr,
		ln:       ln,
		events:   make(chan Event, eventBuffer),
		fatal:    make(chan error, 1),
		peers:    make(map[string]*quic.Conn),
		closed:   make(chan struct{}),
	}
	n.emit(Event{Kind: EventListening, Peer: id.ID(), Addr: n.ListenAddr().String()})
	return n, nil
}

func (n *Network) ID() NodeID { return n.id.ID() }

func (n *Network) ListenAddr() net.Addr { return n.udp.LocalAddr() }

// emit queues ev for the run loop, dropping it when the queue is full.
func (n *Network) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
	}
}

// Run drives the node until ctx ends or Close is called, then returns nil.
// It returns the transport error if the listener fails.
func (n *Network) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a, ok := n.disco.(Announcer); ok {
		if err := a.Announce(ctx, n.ID(), n.ListenAddr().String()); err != nil {
			n.log.Warningf("announce: %v", err)
		}
	}

	n.wg.Add(2)
	go n.acceptLoop(ctx)
	go n.pingLoop(ctx)

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-n.closed:
			break loop
		case err = <-n.fatal:
			break loop
		case ev := <-n.events:
			n.handle(ev)
		}
	}
	cancel()
	_ = n.Close()
	n.wg.Wait()
	return err
}

func (n *Network) handle(ev Event) {
	switch ev.Kind {
	case EventListening:
		n.log.Infof("node %s listening on %s", ev.Peer, ev.Addr)
	case EventPing:
		n.log.Debugf("ping %s (%s) rtt=%s", ev.Addr, ev.Peer.Short(), ev.RTT)
	}
	if n.observer != nil {
		n.observer(ev)
	}
}

func (n *Network) acceptLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		conn, err := n.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || n.isClosed() {
				return
			}
			select {
			case n.fatal <- fmt.Errorf("overlay accept: %w", err):
			default:
			}
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.serve(ctx, conn)
		}()
	}
}

func (n *Network) isClosed() bool {
	select {
	case <-n.closed:
		return true
	default:
		return false
	}
}

// Close stops the node. It is safe to call more than once.
func (n *Network) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.closed)
		n.mu.Lock()
		for addr, c := range n.peers {
			_ = c.CloseWithError(0, "closing")
			delete(n.peers, addr)
		}
		n.mu.Unlock()
		_ = n.ln.Close()
		err = n.tr.Close()
		_ = n.udp.Close()
	})
	return err
}
