// Package transport defines the contract every connection candidate
// satisfies and the helpers candidates share.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"escape/pkg/model"
)

// Session is an active secured session produced by a candidate.
type Session interface {
	Kind() model.TransportKind
	Close() error
}

// StreamSession is a session that carries a byte stream.
type StreamSession interface {
	Session
	Conn() net.Conn
}

// Candidate attempts to produce a Session for a target endpoint using its
// own configuration variant.
type Candidate interface {
	Kind() model.TransportKind
	Attempt(ctx context.Context, target netip.AddrPort, cfg model.TransportConfig) (Session, error)
}

// ErrWrongConfig is returned when a candidate receives another kind's config.
var ErrWrongConfig = errors.New("transport: config variant does not match candidate")

// AttemptError is the recoverable failure of one candidate.
type AttemptError struct {
	Kind model.TransportKind
	Err  error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s attempt failed: %v", e.Kind, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// ConfigAs asserts cfg to the variant a candidate expects.
func ConfigAs[T model.TransportConfig](cfg model.TransportConfig) (T, error) {
	c, ok := cfg.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: got %T", ErrWrongConfig, cfg)
	}
	if err := c.Validate(); err != nil {
		var zero T
		return zero, err
	}
	return c, nil
}

// ConnSession adapts a net.Conn into a StreamSession.
type ConnSession struct {
	kind model.TransportKind
	conn net.Conn
}

func NewConnSession(kind model.TransportKind, conn net.Conn) *ConnSession {
	return &ConnSession{kind: kind, conn: conn}
}

func (s *ConnSession) Kind() model.TransportKind { return s.kind }
func (s *ConnSession) Conn() net.Conn            { return s.conn }
func (s *ConnSession) Close() error              { return s.conn.Close() }
