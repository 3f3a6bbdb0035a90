package cryptoengine

import "errors"

var (
	// ErrUnknownCipher is returned when a crypto-algorithm header value is
	// not on the allow-list.
	ErrUnknownCipher = errors.New("cryptoengine: unknown cipher algorithm")

	// ErrUnknownMAC is returned when a hmac-algorithm header value is not
	// on the allow-list.
	ErrUnknownMAC = errors.New("cryptoengine: unknown mac algorithm")

	// ErrBadPassphrase is returned when a passphrase is empty.
	ErrBadPassphrase = errors.New("cryptoengine: passphrase must not be empty")

	// ErrShortCiphertext is returned when a ciphertext stream is too short
	// to contain its leading header: the OpenSSL "Salted__" magic plus
	// salt for aes-256-cbc, or the salt plus nonce for chacha20-poly1305.
	ErrShortCiphertext = errors.New("cryptoengine: ciphertext too short")

	// ErrBadSaltMagic is returned when a CBC ciphertext stream does not
	// begin with the expected "Salted__" magic.
	ErrBadSaltMagic = errors.New("cryptoengine: missing Salted__ magic")
)
