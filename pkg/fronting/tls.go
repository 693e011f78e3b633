package fronting

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
)

var ErrPinMismatch = errors.New("fronting: no certificate in the verified chain matches a pinned key")

// LoadCAFile reads a PEM bundle into a pool that replaces the system roots.
func LoadCAFile(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("ca file %s: no certificates found", path)
	}
	return pool, nil
}

// SPKIPin returns the base64 SHA-256 of the certificate's SubjectPublicKeyInfo.
func SPKIPin(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// tlsConfig verifies the chain for the front domain against roots (system
// roots when nil). With pins, some certificate in a verified chain must match.
func tlsConfig(front string, roots *x509.CertPool, pins []string) *tls.Config {
	cfg := &tls.Config{
		ServerName: front,
		RootCAs:    roots,
		MinVersion: tls.VersionTLS12,
	}
	if len(pins) == 0 {
		return cfg
	}
	allowed := make(map[string]struct{}, len(pins))
	for _, p := range pins {
		allowed[p] = struct{}{}
	}
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		for _, chain := range cs.VerifiedChains {
			for _, c := range chain {
				if _, ok := allowed[SPKIPin(c)]; ok {
					return nil
				}
			}
		}
		return ErrPinMismatch
	}
	return cfg
}
