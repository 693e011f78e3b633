// Package vault holds the two session keys used to encrypt local state and
// offers destructive rotation of both.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize = 32

	// PrimaryNonceSize is the AES-256-GCM nonce length.
	PrimaryNonceSize = 12
	// SecondaryNonceSize is the XChaCha20-Poly1305 nonce length.
	SecondaryNonceSize = chacha20poly1305.NonceSizeX
)

var (
	ErrNonceSize   = errors.New("wrong nonce size")
	ErrNonceReuse  = errors.New("nonce already used with the current key")
	ErrKeyMaterial = errors.New("key material unavailable")
	ErrDecrypt     = errors.New("message authentication failed")
)

// Error is returned by every vault operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "vault: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Fingerprints identifies the current keys without exposing them.
type Fingerprints struct {
	Primary   [sha256.Size]byte
	Secondary [sha256.Size]byte
}

type slot struct {
	key    [KeySize]byte
	aead   cipher.AEAD
	nonces map[string]struct{}
}

// Vault exclusively owns a primary (AES-256-GCM) and a secondary
// (XChaCha20-Poly1305) key. All methods are safe for concurrent use.
type Vault struct {
	mu        sync.Mutex
	rand      io.Reader
	primary   slot
	secondary slot
}

// New creates a vault with two independent random keys.
func New() (*Vault, error) {
	return newWithRand(rand.Reader)
}

func newWithRand(r io.Reader) (*Vault, error) {
	v := &Vault{rand: r}
	var p, s [KeySize]byte
	if err := v.draw(&p, &s); err != nil {
		return nil, &Error{Op: "new", Err: err}
	}
	if err := v.install(p[:], s[:]); err != nil {
		return nil, &Error{Op: "new", Err: err}
	}
	zero(p[:])
	zero(s[:])
	return v, nil
}

func (v *Vault) draw(p, s *[KeySize]byte) error {
	if _, err := io.ReadFull(v.rand, p[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	if _, err := io.ReadFull(v.rand, s[:]); err != nil {
		zero(p[:])
		return fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	return nil
}

// install zeroizes the current keys in place, then copies the new ones in
// and rebuilds the ciphers. The caller holds mu.
func (v *Vault) install(p, s []byte) error {
	block, err := aes.NewCipher(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	x, err := chacha20poly1305.NewX(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}

	zero(v.primary.key[:])
	zero(v.secondary.key[:])
	copy(v.primary.key[:], p)
	copy(v.secondary.key[:], s)
	v.primary.aead = gcm
	v.secondary.aead = x
	v.primary.nonces = make(map[string]struct{})
	v.secondary.nonces = make(map[string]struct{})
	return nil
}

// EncryptPrimary seals plaintext with AES-256-GCM under a caller-supplied
// 12 byte nonce. A nonce may be used only once per key.
func (v *Vault) EncryptPrimary(plaintext, nonce, ad []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seal("encrypt primary", &v.primary, PrimaryNonceSize, plaintext, nonce, ad)
}

// EncryptSecondary seals plaintext with XChaCha20-Poly1305 under a
// caller-supplied 24 byte nonce. A nonce may be used only once per key.
func (v *Vault) EncryptSecondary(plaintext, nonce, ad []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seal("encrypt secondary", &v.secondary, SecondaryNonceSize, plaintext, nonce, ad)
}

// SealPrimary is EncryptPrimary with a fresh random nonce, which it returns.
func (v *Vault) SealPrimary(plaintext, ad []byte) (nonce, ciphertext []byte, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sealRandom("seal primary", &v.primary, PrimaryNonceSize, plaintext, ad)
}

// SealSecondary is EncryptSecondary with a fresh random nonce, which it returns.
func (v *Vault) SealSecondary(plaintext, ad []byte) (nonce, ciphertext []byte, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sealRandom("seal secondary", &v.secondary, SecondaryNonceSize, plaintext, ad)
}

func (v *Vault) DecryptPrimary(ciphertext, nonce, ad []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return open("decrypt primary", &v.primary, PrimaryNonceSize, ciphertext, nonce, ad)
}

func (v *Vault) DecryptSecondary(ciphertext, nonce, ad []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return open("decrypt secondary", &v.secondary, SecondaryNonceSize, ciphertext, nonce, ad)
}

func (v *Vault) seal(op string, s *slot, size int, plaintext, nonce, ad []byte) ([]byte, error) {
	if len(nonce) != size {
		return nil, &Error{Op: op, Err: fmt.Errorf("%w: got %d, want %d", ErrNonceSize, len(nonce), size)}
	}
	if s.aead == nil {
		return nil, &Error{Op: op, Err: ErrKeyMaterial}
	}
	if _, used := s.nonces[string(nonce)]; used {
		return nil, &Error{Op: op, Err: ErrNonceReuse}
	}
	s.nonces[string(nonce)] = struct{}{}
	return s.aead.Seal(nil, nonce, plaintext, ad), nil
}

func (v *Vault) sealRandom(op string, s *slot, size int, plaintext, ad []byte) ([]byte, []byte, error) {
	nonce := make([]byte, size)
	for range 4 {
		if _, err := io.ReadFull(v.rand, nonce); err != nil {
			return nil, nil, &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrKeyMaterial, err)}
		}
		ct, err := v.seal(op, s, size, plaintext, nonce, ad)
		if errors.Is(err, ErrNonceReuse) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return nonce, ct, nil
	}
	return nil, nil, &Error{Op: op, Err: ErrNonceReuse}
}

func open(op string, s *slot, size int, ciphertext, nonce, ad []byte) ([]byte, error) {
	if len(nonce) != size {
		return nil, &Error{Op: op, Err: fmt.Errorf("%w: got %d, want %d", ErrNonceSize, len(nonce), size)}
	}
	if s.aead == nil {
		return nil, &Error{Op: op, Err: ErrKeyMaterial}
	}
	pt, err := s.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, &Error{Op: op, Err: ErrDecrypt}
	}
	return pt, nil
}

// Wipe destroys both keys and installs fresh random ones. New key bytes are
// drawn before the old keys are touched; if that fails the vault is left
// unchanged and the error is returned. Data sealed under the old keys can no
// longer be opened.
func (v *Vault) Wipe() error {
	var p, s [KeySize]byte
	defer zero(p[:])
	defer zero(s[:])

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.draw(&p, &s); err != nil {
		return &Error{Op: "wipe", Err: err}
	}
	if err := v.install(p[:], s[:]); err != nil {
		return &Error{Op: "wipe", Err: err}
	}
	return nil
}

// Fingerprints returns SHA-256 digests of the current keys.
func (v *Vault) Fingerprints() Fingerprints {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Fingerprints{
		Primary:   sha256.Sum256(v.primary.key[:]),
		Secondary: sha256.Sum256(v.secondary.key[:]),
	}
}

// zero overwrites b. runtime.KeepAlive keeps the stores from being
// eliminated; copies the GC made earlier are not reached.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
