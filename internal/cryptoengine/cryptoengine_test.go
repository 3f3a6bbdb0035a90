package cryptoengine

import (
	"bytes"
	"io"
	"testing"
)

func TestCBCEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := []byte("correct horse battery staple")
	plaintexts := [][]byte{
		nil,
		[]byte("short"),
		bytes.Repeat([]byte("a"), aesBlockLen),   // exactly one block
		bytes.Repeat([]byte("b"), aesBlockLen+1), // one block plus one byte
		bytes.Repeat([]byte("archive chunk content "), 1000),
	}

	for _, pt := range plaintexts {
		var buf bytes.Buffer
		w, err := NewCBCEncryptWriter(&buf, passphrase)
		if err != nil {
			t.Fatalf("NewCBCEncryptWriter: %v", err)
		}
		if _, err := w.Write(pt); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}

		got := buf.Bytes()
		if len(got) < len(opensslSaltMagic)+saltLen {
			t.Fatalf("ciphertext too short: %d bytes", len(got))
		}
		if string(got[:len(opensslSaltMagic)]) != opensslSaltMagic {
			t.Fatalf("missing Salted__ magic prefix")
		}

		r, err := NewCBCDecryptReader(bytes.NewReader(got), passphrase)
		if err != nil {
			t.Fatalf("NewCBCDecryptReader: %v", err)
		}
		decrypted, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if !bytes.Equal(decrypted, pt) {
			t.Fatalf("round trip mismatch: got %q want %q", decrypted, pt)
		}
	}
}

func TestCBCDecryptRejectsBadMagic(t *testing.T) {
	_, err := NewCBCDecryptReader(bytes.NewReader([]byte("NotSalted_12345678ciphertext")), []byte("pass"))
	if err != ErrBadSaltMagic {
		t.Fatalf("expected ErrBadSaltMagic, got %v", err)
	}
}

func TestCBCDecryptRejectsShortInput(t *testing.T) {
	_, err := NewCBCDecryptReader(bytes.NewReader([]byte("short")), []byte("pass"))
	if err != ErrShortCiphertext {
		t.Fatalf("expected ErrShortCiphertext, got %v", err)
	}
}

func TestNewMAC_SHA512AndBLAKE3Differ(t *testing.T) {
	passphrase := []byte("passphrase")
	data := []byte("chunk bytes")

	sha, err := NewMAC("SHA512", passphrase)
	if err != nil {
		t.Fatalf("NewMAC SHA512: %v", err)
	}
	sha.Write(data)
	shaSum := sha.Sum(nil)

	b3, err := NewMAC("BLAKE3", passphrase)
	if err != nil {
		t.Fatalf("NewMAC BLAKE3: %v", err)
	}
	b3.Write(data)
	b3Sum := b3.Sum(nil)

	if bytes.Equal(shaSum, b3Sum) {
		t.Fatal("expected different MAC algorithms to produce different tags")
	}

	// Same algorithm, same key and data, must be deterministic.
	sha2, _ := NewMAC("SHA512", passphrase)
	sha2.Write(data)
	if !bytes.Equal(shaSum, sha2.Sum(nil)) {
		t.Fatal("expected SHA512 MAC to be deterministic for the same key/data")
	}
}

func TestNewMAC_UnknownAlgorithm(t *testing.T) {
	if _, err := NewMAC("md5", []byte("x")); err != ErrUnknownMAC {
		t.Fatalf("expected ErrUnknownMAC, got %v", err)
	}
}

func TestChaChaEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := []byte("another passphrase")
	plaintext := []byte("some chunk of plaintext bytes to seal")

	var buf bytes.Buffer
	if err := ChaChaEncrypt(&buf, passphrase, plaintext); err != nil {
		t.Fatalf("ChaChaEncrypt: %v", err)
	}
	got, err := ChaChaDecrypt(passphrase, buf.Bytes())
	if err != nil {
		t.Fatalf("ChaChaDecrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestChaChaDecryptRejectsWrongPassphrase(t *testing.T) {
	var buf bytes.Buffer
	if err := ChaChaEncrypt(&buf, []byte("right"), []byte("secret")); err != nil {
		t.Fatalf("ChaChaEncrypt: %v", err)
	}
	if _, err := ChaChaDecrypt([]byte("wrong"), buf.Bytes()); err == nil {
		t.Fatal("expected authentication failure with wrong passphrase")
	}
}

func TestEncryptWriterDispatchesByAlgorithm(t *testing.T) {
	if !IsSupportedCipher("aes-256-cbc") || !IsSupportedCipher("chacha20-poly1305") {
		t.Fatal("expected both ciphers on the allow-list")
	}
	if IsSupportedCipher("des") {
		t.Fatal("did not expect des to be supported")
	}

	var buf bytes.Buffer
	if _, err := EncryptWriter(&buf, "rot13", []byte("x")); err != ErrUnknownCipher {
		t.Fatalf("expected ErrUnknownCipher, got %v", err)
	}
}

func TestDecryptAllRoundTrip(t *testing.T) {
	passphrase := []byte("pw")
	for _, algo := range CipherAlgorithms {
		var buf bytes.Buffer
		w, err := EncryptWriter(&buf, algo, passphrase)
		if err != nil {
			t.Fatalf("EncryptWriter(%s): %v", algo, err)
		}
		plaintext := []byte("round trip via DecryptAll for " + algo)
		if _, err := w.Write(plaintext); err != nil {
			t.Fatalf("Write(%s): %v", algo, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close(%s): %v", algo, err)
		}
		got, err := DecryptAll(buf.Bytes(), algo, passphrase)
		if err != nil {
			t.Fatalf("DecryptAll(%s): %v", algo, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("DecryptAll(%s) mismatch: got %q want %q", algo, got, plaintext)
		}
	}
}

func TestDetectHardware(t *testing.T) {
	// Purely informational; just confirm it doesn't panic on whatever CPU
	// the test runs on.
	_ = DetectHardware()
}
