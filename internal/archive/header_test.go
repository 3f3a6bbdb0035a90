package archive

import (
	"bytes"
	"strings"
	"testing"
)

func TestHeaderWriteReadRoundTrip(t *testing.T) {
	h := Header{
		Version:           CurrentVersion,
		HMACAlgorithm:     "SHA512",
		CryptoAlgorithm:   "aes-256-cbc",
		CompressionFilter: "gzip",
		Encrypted:         true,
		Compressed:        true,
	}
	var buf bytes.Buffer
	if err := Write(&buf, h); err != nil {
		t.Fatalf("Write: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if lines[0] != "version=4" {
		t.Fatalf("expected version first, got %q", lines[0])
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestHeaderWriteReadRoundTrip_Unencrypted(t *testing.T) {
	h := Header{Version: "3", HMACAlgorithm: "BLAKE3", Encrypted: false, Compressed: false}
	var buf bytes.Buffer
	if err := Write(&buf, h); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.CryptoAlgorithm != "" || got.Encrypted || got.Compressed {
		t.Fatalf("expected unencrypted/uncompressed header, got %+v", got)
	}
}

// TestHeaderWrite_AllFourKeysPresent pins the S2 scenario: an
// encrypted+compressed header must list all four of version, encrypted,
// compressed, and hmac-algorithm (plus crypto-algorithm/compression-filter
// since both apply here), not just infer compressed from the filter.
func TestHeaderWrite_AllFourKeysPresent(t *testing.T) {
	h := Header{
		Version:           CurrentVersion,
		HMACAlgorithm:     "SHA512",
		CryptoAlgorithm:   "aes-256-cbc",
		CompressionFilter: "gzip",
		Encrypted:         true,
		Compressed:        true,
	}
	var buf bytes.Buffer
	if err := Write(&buf, h); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"version=4", "encrypted=yes", "compressed=yes", "hmac-algorithm=SHA512"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected header to contain %q, got:\n%s", want, out)
		}
	}
}

// TestHeaderWrite_CompressedWithoutFilter covers a compressed header
// where CompressionFilter is left empty: compressed=yes must still be
// written even though compression-filter is absent.
func TestHeaderWrite_CompressedWithoutFilter(t *testing.T) {
	h := Header{Version: "2", HMACAlgorithm: "SHA512", Compressed: true}
	var buf bytes.Buffer
	if err := Write(&buf, h); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !got.Compressed {
		t.Fatalf("expected compressed=true, got %+v", got)
	}
	if got.CompressionFilter != "" {
		t.Fatalf("expected no compression-filter, got %q", got.CompressionFilter)
	}
}

func TestHeaderRead_DuplicateKey(t *testing.T) {
	raw := "version=4\nhmac-algorithm=SHA512\nhmac-algorithm=BLAKE3\n"
	_, err := Read(strings.NewReader(raw))
	if err != ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestHeaderRead_BadSyntax(t *testing.T) {
	raw := "version=4\nnotakeyvalueline\n"
	_, err := Read(strings.NewReader(raw))
	if err != ErrBadHeaderSyntax {
		t.Fatalf("expected ErrBadHeaderSyntax, got %v", err)
	}
}

func TestHeaderRead_BadValueCharacters(t *testing.T) {
	raw := "version=4\nhmac-algorithm=SHA512!\n"
	_, err := Read(strings.NewReader(raw))
	if err != ErrBadHeaderSyntax {
		t.Fatalf("expected ErrBadHeaderSyntax, got %v", err)
	}
}

func TestHeaderRead_UnsupportedVersion(t *testing.T) {
	raw := "version=99\nhmac-algorithm=SHA512\n"
	_, err := Read(strings.NewReader(raw))
	if err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestHeaderRead_VersionMustBeFirst(t *testing.T) {
	raw := "hmac-algorithm=SHA512\nversion=4\n"
	_, err := Read(strings.NewReader(raw))
	if err != ErrCorruptHeader {
		t.Fatalf("expected ErrCorruptHeader, got %v", err)
	}
}

func TestResolveLegacyMAC(t *testing.T) {
	got, err := ResolveLegacyMAC([]string{"SHA512", "BLAKE3"}, func(algo string) bool {
		return algo == "BLAKE3"
	})
	if err != nil {
		t.Fatalf("ResolveLegacyMAC: %v", err)
	}
	if got != "BLAKE3" {
		t.Fatalf("expected BLAKE3, got %q", got)
	}
}

func TestResolveLegacyMAC_NoneMatch(t *testing.T) {
	_, err := ResolveLegacyMAC([]string{"SHA512", "BLAKE3"}, func(string) bool { return false })
	if err != ErrCorruptHeader {
		t.Fatalf("expected ErrCorruptHeader, got %v", err)
	}
}
