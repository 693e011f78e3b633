// Package otp issues six digit one-time codes and tracks the ones currently
// accepted by the control plane.
package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/yeqown/go-qrcode/v2"
	"github.com/yeqown/go-qrcode/writer/standard"
)

const (
	Digits = 6
	space  = 1_000_000

	issueAttempts = 64
)

var (
	ErrMalformed = errors.New("otp: malformed code")
	ErrExhausted = errors.New("otp: no free code")
)

// Generate returns a uniformly random code in [000000, 999999].
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(space))
	if err != nil {
		return "", fmt.Errorf("otp generate: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Valid reports whether s has the one-time code shape.
func Valid(s string) bool {
	if len(s) != Digits {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// CodeSet is the set of outstanding codes. Expiry and issuance policy belong
// to the caller.
type CodeSet struct {
	mu    sync.RWMutex
	codes map[string]struct{}
}

func NewCodeSet() *CodeSet {
	return &CodeSet{codes: make(map[string]struct{})}
}

func (s *CodeSet) Add(code string) error {
	if !Valid(code) {
		return ErrMalformed
	}
	s.mu.Lock()
	s.codes[code] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *CodeSet) Remove(code string) {
	s.mu.Lock()
	delete(s.codes, code)
	s.mu.Unlock()
}

// Issue generates a fresh code and adds it. It gives up with ErrExhausted
// when the set is full or every draw collides.
func (s *CodeSet) Issue() (string, error) {
	for range issueAttempts {
		code, err := Generate()
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		if len(s.codes) >= space {
			s.mu.Unlock()
			return "", ErrExhausted
		}
		_, dup := s.codes[code]
		if !dup {
			s.codes[code] = struct{}{}
		}
		s.mu.Unlock()
		if !dup {
			return code, nil
		}
	}
	return "", ErrExhausted
}

// Contains reports membership without modifying the set. Every entry is
// compared in constant time.
func (s *CodeSet) Contains(code string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := 0
	for c := range s.codes {
		found |= subtle.ConstantTimeCompare([]byte(c), []byte(code))
	}
	return found == 1
}

func (s *CodeSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.codes)
}

// WriteQR renders content as a PNG QR code at path.
func WriteQR(content, path string) error {
	qrc, err := qrcode.New(content)
	if err != nil {
		return fmt.Errorf("qr encode: %w", err)
	}
	w, err := standard.New(path)
	if err != nil {
		return fmt.Errorf("qr writer %s: %w", path, err)
	}
	// Save closes w.
	if err := qrc.Save(w); err != nil {
		return fmt.Errorf("qr save %s: %w", path, err)
	}
	return nil
}
