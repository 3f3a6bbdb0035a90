package transport

import (
	"bytes"
	"context"
	"io"
	"testing"
)

// memSink/memSource are minimal in-memory Sink/Source implementations
// used only to exercise FECSink/FECSource without standing up a real
// transport.
type memEntry struct {
	name string
	data []byte
}

type memSink struct {
	entries []memEntry
	closed  bool
}

type memWriter struct {
	sink *memSink
	name string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *memWriter) Close() error {
	w.sink.entries = append(w.sink.entries, memEntry{name: w.name, data: w.buf.Bytes()})
	return nil
}

func (s *memSink) Announce(ctx context.Context, name string) (io.WriteCloser, error) {
	return &memWriter{sink: s, name: name}, nil
}
func (s *memSink) Close() error { s.closed = true; return nil }

type memSource struct {
	entries []memEntry
	pos     int
}

func (s *memSource) Next(ctx context.Context) (string, io.ReadCloser, error) {
	if s.pos >= len(s.entries) {
		return "", nil, io.EOF
	}
	e := s.entries[s.pos]
	s.pos++
	return e.name, io.NopCloser(bytes.NewReader(e.data)), nil
}
func (s *memSource) Close() error { return nil }

func TestFECSinkEmitsParityPerGroup(t *testing.T) {
	mem := &memSink{}
	sink, err := NewFECSink(mem, 2, 1)
	if err != nil {
		t.Fatalf("NewFECSink: %v", err)
	}

	for _, name := range []string{"a.000", "a.001"} {
		w, err := sink.Announce(context.Background(), name)
		if err != nil {
			t.Fatalf("Announce: %v", err)
		}
		w.Write([]byte("payload-" + name))
		w.Close()
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var dataCount, parityCount int
	for _, e := range mem.entries {
		if isFECParityName(e.name) {
			parityCount++
		} else {
			dataCount++
		}
	}
	if dataCount != 2 {
		t.Fatalf("expected 2 data entries forwarded, got %d", dataCount)
	}
	if parityCount != 1 {
		t.Fatalf("expected 1 parity shard for k=2,r=1, got %d", parityCount)
	}
	if !mem.closed {
		t.Fatal("expected inner sink to be closed")
	}
}

func TestFECSourceStripsParityEntries(t *testing.T) {
	mem := &memSink{}
	sink, _ := NewFECSink(mem, 2, 1)
	for _, name := range []string{"a.000", "a.001"} {
		w, _ := sink.Announce(context.Background(), name)
		w.Write([]byte("payload"))
		w.Close()
	}
	sink.Close()

	src := NewFECSource(&memSource{entries: mem.entries})
	var got []string
	for {
		name, r, err := src.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		r.Close()
		got = append(got, name)
	}
	if len(got) != 2 || got[0] != "a.000" || got[1] != "a.001" {
		t.Fatalf("expected only data entries to surface, got %v", got)
	}
}

func TestFECSinkFlushesPartialFinalGroup(t *testing.T) {
	mem := &memSink{}
	sink, _ := NewFECSink(mem, 3, 1)
	w, _ := sink.Announce(context.Background(), "solo.000")
	w.Write([]byte("only one"))
	w.Close()
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var parityCount int
	for _, e := range mem.entries {
		if isFECParityName(e.name) {
			parityCount++
		}
	}
	if parityCount != 1 {
		t.Fatalf("expected the short trailing group to still get parity, got %d", parityCount)
	}
}
