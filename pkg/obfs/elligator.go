package obfs

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/agl/ed25519/extra25519"
)

// reprTweakMask covers the two high bits extra25519 always leaves clear.
const reprTweakMask = 0xc0

// newSessionKeypair draws ephemeral X25519 keys until the public key has an
// Elligator2 representative. About half of all keys do.
func newSessionKeypair() (priv, pub, repr [KeyLen]byte, err error) {
	var tweak [1]byte
	for {
		if _, err = rand.Read(priv[:]); err != nil {
			return priv, pub, repr, fmt.Errorf("x25519 key: %w", err)
		}
		digest := sha256.Sum256(priv[:])
		digest[0] &= 248
		digest[31] &= 127
		digest[31] |= 64
		copy(priv[:], digest[:])
		zero(digest[:])

		if extra25519.ScalarBaseMult(&pub, &repr, &priv) {
			break
		}
	}
	if _, err = rand.Read(tweak[:]); err != nil {
		return priv, pub, repr, fmt.Errorf("representative tweak: %w", err)
	}
	repr[31] |= tweak[0] & reprTweakMask
	return priv, pub, repr, nil
}

// publicFrom maps a representative read off the wire back to its public key.
func publicFrom(b []byte) []byte {
	var repr, pub [KeyLen]byte
	copy(repr[:], b)
	repr[31] &^= reprTweakMask
	extra25519.RepresentativeToPublicKey(&pub, &repr)
	return pub[:]
}
