package overlay

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// NodeID is the hex encoding of the first 16 bytes of SHA-256 over an
// Ed25519 public key.
type NodeID string

const nodeIDBytes = 16

func IDFromKey(pub ed25519.PublicKey) NodeID {
	sum := sha256.Sum256(pub)
	return NodeID(hex.EncodeToString(sum[:nodeIDBytes]))
}

func ParseNodeID(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != nodeIDBytes {
		return "", fmt.Errorf("invalid node id %q", s)
	}
	return NodeID(hex.EncodeToString(b)), nil
}

func (id NodeID) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

// Identity is an ephemeral node keypair with its self-signed certificate.
// It is never persisted.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   NodeID
	cert tls.Certificate
}

func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("identity serial: %w", err)
	}
	id := IDFromKey(pub)
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: string(id)},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(30 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("identity certificate: %w", err)
	}
	return &Identity{
		priv: priv,
		pub:  pub,
		id:   id,
		cert: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv},
	}, nil
}

func (i *Identity) ID() NodeID                  { return i.id }
func (i *Identity) PublicKey() ed25519.PublicKey { return i.pub }

var errPeerIdentity = errors.New("overlay: peer identity mismatch")

// verifyPeer checks that the presented certificate is a self-signed Ed25519
// certificate and, when want is set, that its key hashes to want. The TLS
// handshake already proved possession of the key.
func verifyPeer(rawCerts [][]byte, want NodeID) (NodeID, error) {
	if len(rawCerts) == 0 {
		return "", fmt.Errorf("%w: no certificate", errPeerIdentity)
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return "", fmt.Errorf("%w: %v", errPeerIdentity, err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("%w: not an ed25519 key", errPeerIdentity)
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return "", fmt.Errorf("%w: %v", errPeerIdentity, err)
	}
	got := IDFromKey(pub)
	if want != "" && got != want {
		return "", fmt.Errorf("%w: got %s want %s", errPeerIdentity, got.Short(), want.Short())
	}
	return got, nil
}

const alpn = "h3"

// serverTLS accepts any peer that presents a valid self-signed identity.
func (i *Identity) serverTLS() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{i.cert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			_, err := verifyPeer(raw, "")
			return err
		},
	}
}

// clientTLS pins the remote identity to want when it is set.
func (i *Identity) clientTLS(want NodeID) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{i.cert},
		InsecureSkipVerify: true, // identity is checked by VerifyPeerCertificate
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
		ServerName:         "localhost",
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			_, err := verifyPeer(raw, want)
			return err
		},
	}
}

// remoteID extracts the peer identity of an established TLS session.
func remoteID(cs tls.ConnectionState) NodeID {
	if len(cs.PeerCertificates) == 0 {
		return ""
	}
	if pub, ok := cs.PeerCertificates[0].PublicKey.(ed25519.PublicKey); ok {
		return IDFromKey(pub)
	}
	return ""
}
