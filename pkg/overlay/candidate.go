package overlay

import (
	"context"
	"net/netip"
	"sync"

	elog "escape/pkg/log"
	"escape/pkg/model"
	"escape/pkg/transport"
)

// Candidate starts an overlay node. The attempt succeeds once the node is
// listening; the session then owns the run loop.
type Candidate struct {
	opts Options
}

func NewCandidate(opts Options) *Candidate {
	opts.Log = elog.OrDiscard(opts.Log, "overlay")
	return &Candidate{opts: opts}
}

func (c *Candidate) Kind() model.TransportKind { return model.KindOverlay }

// Attempt does not dial target; reachability comes from the bootstrap peers.
func (c *Candidate) Attempt(ctx context.Context, target netip.AddrPort, cfg model.TransportConfig) (transport.Session, error) {
	oc, err := transport.ConfigAs[model.OverlayConfig](cfg)
	if err != nil {
		return nil, err
	}
	return transport.Isolate(ctx, func(ctx context.Context) (transport.Session, error) {
		n, err := New(oc, c.opts)
		if err != nil {
			return nil, err
		}
		c.opts.Log.Infof("overlay node %s up for %s with %d bootstrap peers", n.ID().Short(), target, len(oc.BootstrapPeers))
		return startSession(ctx, n), nil
	})
}

// Session owns a running overlay node.
type Session struct {
	net    *Network
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

// startSession runs n on a context detached from the attempt deadline.
func startSession(ctx context.Context, n *Network) *Session {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{net: n, cancel: cancel, done: make(chan struct{})}
	go func() {
		s.err = n.Run(runCtx)
		close(s.done)
	}()
	return s
}

func (s *Session) Kind() model.TransportKind { return model.KindOverlay }

func (s *Session) Network() *Network { return s.net }

// Wait blocks until the run loop ends and returns its error.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Done is closed when the run loop ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close stops the node and waits for the run loop.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.cancel()
		_ = s.net.Close()
	})
	<-s.done
	return nil
}
