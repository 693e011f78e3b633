package obfs

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const (
	NodeIDLen = 20
	KeyLen    = 32
	certLen   = NodeIDLen + KeyLen
)

// Cert identifies a bridge: its node id and static X25519 public key. The
// text form is unpadded base64 of nodeID || publicKey.
type Cert struct {
	NodeID    [NodeIDLen]byte
	PublicKey [KeyLen]byte
}

func ParseCert(s string) (Cert, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return Cert{}, fmt.Errorf("cert is not base64: %w", err)
	}
	if len(raw) != certLen {
		return Cert{}, fmt.Errorf("cert decodes to %d bytes, want %d", len(raw), certLen)
	}
	var c Cert
	copy(c.NodeID[:], raw[:NodeIDLen])
	copy(c.PublicKey[:], raw[NodeIDLen:])
	return c, nil
}

func (c Cert) String() string {
	raw := make([]byte, 0, certLen)
	raw = append(raw, c.NodeID[:]...)
	raw = append(raw, c.PublicKey[:]...)
	return base64.RawStdEncoding.EncodeToString(raw)
}

// macKey keys every handshake mark and MAC for this bridge.
func (c Cert) macKey() []byte {
	k := make([]byte, 0, certLen)
	k = append(k, c.PublicKey[:]...)
	return append(k, c.NodeID[:]...)
}

// ServerIdentity is a bridge's long-term secret.
type ServerIdentity struct {
	NodeID     [NodeIDLen]byte
	PrivateKey [KeyLen]byte
	PublicKey  [KeyLen]byte
}

func NewServerIdentity() (*ServerIdentity, error) {
	id := &ServerIdentity{}
	if _, err := rand.Read(id.NodeID[:]); err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}
	priv, pub, err := newKeypair()
	if err != nil {
		return nil, err
	}
	id.PrivateKey, id.PublicKey = priv, pub
	return id, nil
}

// ParseServerIdentity reads the form produced by MarshalText.
func ParseServerIdentity(s string) (*ServerIdentity, error) {
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("identity is not base64: %w", err)
	}
	if len(raw) != certLen {
		return nil, fmt.Errorf("identity decodes to %d bytes, want %d", len(raw), certLen)
	}
	id := &ServerIdentity{}
	copy(id.NodeID[:], raw[:NodeIDLen])
	copy(id.PrivateKey[:], raw[NodeIDLen:])
	pub, err := curve25519.X25519(id.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}
	copy(id.PublicKey[:], pub)
	return id, nil
}

func (id *ServerIdentity) MarshalText() ([]byte, error) {
	raw := make([]byte, 0, certLen)
	raw = append(raw, id.NodeID[:]...)
	raw = append(raw, id.PrivateKey[:]...)
	out := make([]byte, base64.RawStdEncoding.EncodedLen(len(raw)))
	base64.RawStdEncoding.Encode(out, raw)
	return out, nil
}

func (id *ServerIdentity) Cert() Cert {
	return Cert{NodeID: id.NodeID, PublicKey: id.PublicKey}
}

func newKeypair() (priv, pub [KeyLen]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("x25519 key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("x25519 key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}
