package cryptoengine

import (
	"crypto/hmac"
	"crypto/sha512"
	"hash"

	"github.com/zeebo/blake3"
)

// MACAlgorithms is the allow-list consulted when parsing a header's
// hmac-algorithm value. archive.ResolveLegacyMAC sorts its candidates
// before trying them, so the order here does not affect which
// algorithm is tried first.
var MACAlgorithms = []string{"SHA512", "BLAKE3"}

// NewMAC returns a keyed hash.Hash for algo, using passphrase bytes
// directly as the key, matching `openssl dgst -hmac` CLI behavior for
// SHA512, which takes the passphrase verbatim with no KDF.
// BLAKE3 (NEW) is keyed with a 32-byte key derived from the passphrase
// (see blakeKeyedHash), not with the raw passphrase bytes.
func NewMAC(algo string, passphrase []byte) (hash.Hash, error) {
	switch algo {
	case "SHA512":
		return hmac.New(sha512.New, passphrase), nil
	case "BLAKE3":
		return blakeKeyedHash(passphrase)
	default:
		return nil, ErrUnknownMAC
	}
}

// blakeKeyedHash derives a 32-byte BLAKE3 key from an arbitrary-length
// passphrase (BLAKE3 keyed mode requires exactly 32 key bytes) by hashing
// the passphrase with unkeyed BLAKE3 first.
func blakeKeyedHash(passphrase []byte) (hash.Hash, error) {
	h := blake3.New()
	h.Write(passphrase)
	key := h.Sum(nil)[:32]
	return blake3.NewKeyed(key)
}

// IsSupportedMAC reports whether algo is on the allow-list.
func IsSupportedMAC(algo string) bool {
	for _, a := range MACAlgorithms {
		if a == algo {
			return true
		}
	}
	return false
}
