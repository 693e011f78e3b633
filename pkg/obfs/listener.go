package obfs

import (
	"context"
	"errors"
	"net"
	"time"

	"gopkg.in/op/go-logging.v1"

	elog "escape/pkg/log"
)

const handshakeTimeout = 30 * time.Second

// Listener accepts obfuscated connections. Clients that fail the handshake
// are dropped without a reply.
type Listener struct {
	ln  net.Listener
	srv *Server
	log *logging.Logger
}

func Listen(network, addr string, srv *Server, log *logging.Logger) (*Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, srv: srv, log: elog.OrDiscard(log, "obfs")}, nil
}

func (l *Listener) Accept() (net.Conn, error) {
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		c, err := l.srv.Handshake(ctx, raw)
		cancel()
		if err == nil {
			return c, nil
		}
		if errors.Is(err, ErrReplay) {
			l.log.Warningf("replayed handshake from %s", raw.RemoteAddr())
		} else {
			l.log.Debugf("handshake from %s: %v", raw.RemoteAddr(), err)
		}
		_ = raw.Close()
	}
}

func (l *Listener) Close() error   { return l.ln.Close() }
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
