package obfs

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	markLen = 16
	macLen  = 16
	authLen = 32

	minHandshakePad = 32
	maxHandshakePad = 1024
	maxHandshakeLen = 2048

	kdfInfo = "escape-obfs-v1"
)

var (
	ErrHandshake = errors.New("obfs: handshake failed")
	ErrReplay    = errors.New("obfs: replayed handshake")
)

// sessionKeys is the output of the handshake KDF.
type sessionKeys struct {
	auth        [authLen]byte
	c2s, s2c    [32]byte
	c2sLen      [32]byte
	s2cLen      [32]byte
	c2sLenNonce [12]byte
	s2cLenNonce [12]byte
}

func deriveKeys(s1, s2 []byte, c Cert, clientPub, serverPub []byte) (*sessionKeys, error) {
	secret := append(append([]byte{}, s1...), s2...)
	info := make([]byte, 0, len(kdfInfo)+3*KeyLen)
	info = append(info, kdfInfo...)
	info = append(info, c.PublicKey[:]...)
	info = append(info, clientPub...)
	info = append(info, serverPub...)
	r := hkdf.New(sha256.New, secret, c.NodeID[:], info)

	k := &sessionKeys{}
	for _, b := range [][]byte{k.auth[:], k.c2s[:], k.s2c[:], k.c2sLen[:], k.s2cLen[:], k.c2sLenNonce[:], k.s2cLenNonce[:]} {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("kdf: %w", err)
		}
	}
	zero(secret)
	return k, nil
}

func hmac16(key []byte, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)[:16]
}

func epochHour(t time.Time) int64 { return t.Unix() / 3600 }

func epochBytes(e int64) []byte { return []byte(strconv.FormatInt(e, 10)) }

func randomPad(lo, hi int) ([]byte, error) {
	pad := make([]byte, lo+mrand.IntN(hi-lo+1))
	if _, err := rand.Read(pad); err != nil {
		return nil, err
	}
	return pad, nil
}

// readUntilMark reads from r until mark appears after the first fixed bytes
// and a full MAC follows it. It returns the message through the MAC, the
// offset of the mark and any bytes read past the MAC.
func readUntilMark(r io.Reader, fixed int, markFor func(head []byte) []byte) (msg []byte, pos int, rest []byte, err error) {
	buf := make([]byte, 0, maxHandshakeLen)
	chunk := make([]byte, 1500)
	var mark []byte
	for {
		n, rerr := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if mark == nil && len(buf) >= fixed {
			mark = markFor(buf[:fixed])
		}
		if mark != nil {
			if i := bytes.Index(buf[fixed:], mark); i >= 0 {
				pos = fixed + i
				end := pos + markLen + macLen
				if len(buf) >= end {
					return buf[:end], pos, buf[end:], nil
				}
			}
		}
		if len(buf) >= maxHandshakeLen {
			return nil, 0, nil, fmt.Errorf("%w: no mark in %d bytes", ErrHandshake, len(buf))
		}
		if rerr != nil {
			return nil, 0, nil, fmt.Errorf("%w: %v", ErrHandshake, rerr)
		}
	}
}

func verifyMAC(key, msg []byte, pos int, now time.Time) bool {
	body, mac := msg[:pos+markLen], msg[pos+markLen:]
	e := epochHour(now)
	for _, ep := range []int64{e, e - 1, e + 1} {
		if hmac.Equal(hmac16(key, body, epochBytes(ep)), mac) {
			return true
		}
	}
	return false
}

// withContext bounds conn I/O by ctx until the returned stop is called.
// stop reports false when ctx ended first.
func withContext(ctx context.Context, conn net.Conn) (stop func() bool) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	after := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	return func() bool {
		ok := after()
		_ = conn.SetDeadline(time.Time{})
		return ok && ctx.Err() == nil
	}
}

// Client runs the client handshake over conn.
func Client(ctx context.Context, conn net.Conn, cert Cert, iat bool) (*Conn, error) {
	stop := withContext(ctx, conn)
	c, err := clientHandshake(conn, cert, iat)
	if !stop() {
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return c, err
}

func clientHandshake(conn net.Conn, cert Cert, iat bool) (*Conn, error) {
	priv, pub, r, err := newSessionKeypair()
	if err != nil {
		return nil, err
	}
	defer zero(priv[:])

	key := cert.macKey()
	repr := r[:]
	pad, err := randomPad(minHandshakePad, maxHandshakePad)
	if err != nil {
		return nil, err
	}
	mark := hmac16(key, repr)
	msg := make([]byte, 0, len(repr)+len(pad)+markLen+macLen)
	msg = append(msg, repr...)
	msg = append(msg, pad...)
	msg = append(msg, mark...)
	msg = append(msg, hmac16(key, msg, epochBytes(epochHour(time.Now())))...)
	if _, err := conn.Write(msg); err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrHandshake, err)
	}

	reply, pos, rest, err := readUntilMark(conn, KeyLen+authLen, func(head []byte) []byte {
		return hmac16(key, head[:KeyLen])
	})
	if err != nil {
		return nil, err
	}
	serverPub := publicFrom(reply[:KeyLen])
	s1, err := curve25519.X25519(priv[:], serverPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	s2, err := curve25519.X25519(priv[:], cert.PublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	keys, err := deriveKeys(s1, s2, cert, pub[:], serverPub)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(keys.auth[:], reply[KeyLen:KeyLen+authLen]) != 1 {
		return nil, fmt.Errorf("%w: bridge failed to authenticate", ErrHandshake)
	}
	if !verifyMAC(key, reply, pos, time.Now()) {
		return nil, fmt.Errorf("%w: bad reply mac", ErrHandshake)
	}
	return newConn(conn, rest, keys.c2s, keys.s2c, keys.c2sLen, keys.c2sLenNonce, keys.s2cLen, keys.s2cLenNonce, iat)
}

// Server answers client handshakes for one bridge identity.
type Server struct {
	id     *ServerIdentity
	cert   Cert
	iat    bool
	replay *replayFilter
}

func NewServer(id *ServerIdentity, iat bool) *Server {
	return &Server{id: id, cert: id.Cert(), iat: iat, replay: newReplayFilter(3 * time.Hour)}
}

// Handshake runs the server handshake over conn.
func (s *Server) Handshake(ctx context.Context, conn net.Conn) (*Conn, error) {
	stop := withContext(ctx, conn)
	c, err := s.handshake(conn)
	if !stop() {
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return c, err
}

func (s *Server) handshake(conn net.Conn) (*Conn, error) {
	key := s.cert.macKey()
	hello, pos, rest, err := readUntilMark(conn, KeyLen, func(head []byte) []byte {
		return hmac16(key, head)
	})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !verifyMAC(key, hello, pos, now) {
		return nil, fmt.Errorf("%w: bad hello mac", ErrHandshake)
	}
	if !s.replay.add(hello[pos:pos+markLen], now) {
		return nil, ErrReplay
	}

	clientPub := publicFrom(hello[:KeyLen])
	priv, pub, r, err := newSessionKeypair()
	if err != nil {
		return nil, err
	}
	defer zero(priv[:])
	s1, err := curve25519.X25519(priv[:], clientPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	s2, err := curve25519.X25519(s.id.PrivateKey[:], clientPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	keys, err := deriveKeys(s1, s2, s.cert, clientPub, pub[:])
	if err != nil {
		return nil, err
	}

	repr := r[:]
	pad, err := randomPad(0, maxHandshakePad)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, KeyLen+authLen+len(pad)+markLen+macLen)
	msg = append(msg, repr...)
	msg = append(msg, keys.auth[:]...)
	msg = append(msg, pad...)
	msg = append(msg, hmac16(key, repr)...)
	msg = append(msg, hmac16(key, msg, epochBytes(epochHour(now)))...)
	if _, err := conn.Write(msg); err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrHandshake, err)
	}
	return newConn(conn, rest, keys.s2c, keys.c2s, keys.s2cLen, keys.s2cLenNonce, keys.c2sLen, keys.c2sLenNonce, s.iat)
}

// replayFilter remembers handshake marks for ttl.
type replayFilter struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[[markLen]byte]time.Time
}

func newReplayFilter(ttl time.Duration) *replayFilter {
	return &replayFilter{ttl: ttl, seen: make(map[[markLen]byte]time.Time)}
}

// add records mark and reports whether it was new.
func (f *replayFilter) add(mark []byte, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, t := range f.seen {
		if now.Sub(t) > f.ttl {
			delete(f.seen, k)
		}
	}
	var k [markLen]byte
	copy(k[:], mark)
	if _, ok := f.seen[k]; ok {
		return false
	}
	f.seen[k] = now
	return true
}
