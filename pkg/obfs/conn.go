package obfs

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"net"
	"runtime"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// maxFrameLen bounds the sealed part of a frame.
	maxFrameLen     = 1448
	frameHeaderLen  = 2
	payloadHdrLen   = 3
	maxFramePayload = maxFrameLen - chacha20poly1305.Overhead
	maxFrameData    = maxFramePayload - payloadHdrLen

	maxPadding  = 256
	maxIATDelay = 10 * time.Millisecond

	framePayload byte = 0
)

var ErrFrame = errors.New("obfs: malformed frame")

type direction struct {
	aead    cipher.AEAD
	lenMask *chacha20.Cipher
	counter uint64
}

func newDirection(key, lenKey [32]byte, lenNonce [12]byte) (*direction, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	mask, err := chacha20.NewUnauthenticatedCipher(lenKey[:], lenNonce[:])
	if err != nil {
		return nil, err
	}
	return &direction{aead: aead, lenMask: mask}, nil
}

func (d *direction) nonce() []byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(n[4:], d.counter)
	d.counter++
	return n[:]
}

// Conn is an established obfuscated stream. Frame lengths are masked with a
// keystream and every frame carries random padding. With IAT enabled writes
// are split at random sizes and spaced by random delays.
type Conn struct {
	net.Conn

	rmu  sync.Mutex
	r    io.Reader
	rd   *direction
	rbuf []byte
	rraw []byte

	wmu sync.Mutex
	wd  *direction
	iat bool
}

func newConn(raw net.Conn, pending []byte, wKey, rKey, wLenKey [32]byte, wLenNonce [12]byte, rLenKey [32]byte, rLenNonce [12]byte, iat bool) (*Conn, error) {
	wd, err := newDirection(wKey, wLenKey, wLenNonce)
	if err != nil {
		return nil, err
	}
	rd, err := newDirection(rKey, rLenKey, rLenNonce)
	if err != nil {
		return nil, err
	}
	var r io.Reader = raw
	if len(pending) > 0 {
		r = io.MultiReader(bytes.NewReader(pending), raw)
	}
	return &Conn{Conn: raw, r: r, rd: rd, wd: wd, iat: iat, rraw: make([]byte, maxFrameLen)}, nil
}

func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for len(c.rbuf) == 0 {
		if err := c.readFrame(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

func (c *Conn) readFrame() error {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return err
	}
	c.rd.lenMask.XORKeyStream(hdr[:], hdr[:])
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n < chacha20poly1305.Overhead+payloadHdrLen || n > maxFrameLen {
		return fmt.Errorf("%w: length %d", ErrFrame, n)
	}
	if _, err := io.ReadFull(c.r, c.rraw[:n]); err != nil {
		return err
	}
	pt, err := c.rd.aead.Open(c.rraw[:0], c.rd.nonce(), c.rraw[:n], nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFrame, err)
	}
	if pt[0] != framePayload {
		return fmt.Errorf("%w: type %d", ErrFrame, pt[0])
	}
	dl := int(binary.BigEndian.Uint16(pt[1:3]))
	if dl > len(pt)-payloadHdrLen {
		return fmt.Errorf("%w: data length %d", ErrFrame, dl)
	}
	c.rbuf = pt[payloadHdrLen : payloadHdrLen+dl]
	return nil
}

func (c *Conn) Write(b []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	n := 0
	for len(b) > 0 {
		size := maxFrameData
		if c.iat {
			size = 1 + mrand.IntN(maxFrameData)
		}
		size = min(size, len(b))
		pad := mrand.IntN(min(maxPadding, maxFrameData-size) + 1)
		if err := c.writeFrame(b[:size], pad); err != nil {
			return n, err
		}
		n += size
		b = b[size:]
		if c.iat && len(b) > 0 {
			time.Sleep(time.Duration(mrand.Int64N(int64(maxIATDelay))))
		}
	}
	return n, nil
}

func (c *Conn) writeFrame(data []byte, pad int) error {
	payload := make([]byte, payloadHdrLen+len(data)+pad, frameHeaderLen+payloadHdrLen+len(data)+pad+chacha20poly1305.Overhead)
	payload[0] = framePayload
	binary.BigEndian.PutUint16(payload[1:3], uint16(len(data)))
	copy(payload[payloadHdrLen:], data)

	frame := make([]byte, frameHeaderLen, frameHeaderLen+len(payload)+chacha20poly1305.Overhead)
	frame = c.wd.aead.Seal(frame, c.wd.nonce(), payload, nil)
	binary.BigEndian.PutUint16(frame[:frameHeaderLen], uint16(len(frame)-frameHeaderLen))
	c.wd.lenMask.XORKeyStream(frame[:frameHeaderLen], frame[:frameHeaderLen])
	_, err := c.Conn.Write(frame)
	return err
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
