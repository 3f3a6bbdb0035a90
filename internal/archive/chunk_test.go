package archive

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"testing"
)

// testMACHash is a minimal hash.Hash over HMAC-SHA256 for tests that don't
// need the real cryptoengine algorithms, keeping this package's tests free
// of a dependency on cryptoengine.
type testMACHash struct {
	mac hash256
}

type hash256 = interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
	Reset()
	Size() int
	BlockSize() int
}

func newTestMACHash() *testMACHash {
	return &testMACHash{mac: hmac.New(sha256.New, []byte("test-key"))}
}

func (h *testMACHash) Write(p []byte) (int, error) { return h.mac.Write(p) }
func (h *testMACHash) Sum(b []byte) []byte         { return h.mac.Sum(b) }
func (h *testMACHash) Reset()                      { h.mac.Reset() }
func (h *testMACHash) Size() int                   { return h.mac.Size() }
func (h *testMACHash) BlockSize() int               { return h.mac.BlockSize() }

func TestValidateMemberName(t *testing.T) {
	valid := []string{"private.img", "appvms/work/private.img", "a"}
	for _, name := range valid {
		if err := ValidateMemberName(name); err != nil {
			t.Errorf("expected %q to be valid, got %v", name, err)
		}
	}
	invalid := []string{"", "/etc/passwd", "../../etc/passwd", "a/../../b", "\x01bad"}
	for _, name := range invalid {
		if err := ValidateMemberName(name); err != ErrUnsafeName {
			t.Errorf("expected %q to be rejected as unsafe, got %v", name, err)
		}
	}
}

func TestChunkAndHMACNames(t *testing.T) {
	if got := ChunkName("private.img", 0); got != "private.img.000" {
		t.Fatalf("ChunkName(0) = %q", got)
	}
	if got := ChunkName("private.img", 12); got != "private.img.012" {
		t.Fatalf("ChunkName(12) = %q", got)
	}
	if got := HMACName("private.img.000"); got != "private.img.000.hmac" {
		t.Fatalf("HMACName = %q", got)
	}
}

func TestSplitterJoinerRoundTrip(t *testing.T) {
	plaintext := bytes.Repeat([]byte("0123456789"), 50) // 500 bytes
	chunkSize := 64

	type chunk struct {
		index  int
		data   []byte
		macHex string
	}
	var chunks []chunk

	splitter := NewSplitter(chunkSize, newTestMACHash(), func(index int, data []byte, macHex string) error {
		cp := append([]byte(nil), data...)
		chunks = append(chunks, chunk{index: index, data: cp, macHex: macHex})
		return nil
	})
	if _, err := splitter.Write(plaintext); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := splitter.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	wantChunks := (len(plaintext) + chunkSize - 1) / chunkSize
	if len(chunks) != wantChunks {
		t.Fatalf("expected %d chunks, got %d", wantChunks, len(chunks))
	}
	for i, c := range chunks {
		if c.index != i {
			t.Fatalf("chunk %d has index %d", i, c.index)
		}
	}

	var out bytes.Buffer
	joiner := NewJoiner(&out, newTestMACHash())
	for _, c := range chunks {
		if err := joiner.Verify(c.index, c.data, c.macHex); err != nil {
			t.Fatalf("Verify(%d): %v", c.index, err)
		}
	}
	if !bytes.Equal(out.Bytes(), plaintext) {
		t.Fatalf("joined output mismatch")
	}
	if joiner.BytesWritten() != int64(len(plaintext)) {
		t.Fatalf("BytesWritten = %d, want %d", joiner.BytesWritten(), len(plaintext))
	}
}

func TestSplitterEmptyMemberStillEmitsOneChunk(t *testing.T) {
	var emitted int
	splitter := NewSplitter(64, newTestMACHash(), func(index int, data []byte, macHex string) error {
		emitted++
		if len(data) != 0 {
			t.Fatalf("expected empty chunk, got %d bytes", len(data))
		}
		return nil
	})
	if err := splitter.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if emitted != 1 {
		t.Fatalf("expected exactly one emitted (empty) chunk, got %d", emitted)
	}
}

func TestJoinerRejectsOutOfOrderIndex(t *testing.T) {
	var out bytes.Buffer
	joiner := NewJoiner(&out, newTestMACHash())
	if err := joiner.Verify(1, []byte("data"), "deadbeef"); err != ErrOrphanChunk {
		t.Fatalf("expected ErrOrphanChunk, got %v", err)
	}
}

func TestJoinerRejectsBadMAC(t *testing.T) {
	var out bytes.Buffer
	joiner := NewJoiner(&out, newTestMACHash())
	if err := joiner.Verify(0, []byte("data"), "0000000000000000000000000000000000000000000000000000000000000000"); err != ErrBadMac {
		t.Fatalf("expected ErrBadMac, got %v", err)
	}
}
