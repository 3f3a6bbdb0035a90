package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
)

// HelperSink drives the backup/restore over a spawned helper process in
// another domain: each entry is written to the helper's stdin as a
// length-prefixed name followed by a length-prefixed payload, the same
// framing QUICSink uses for names, extended to cover the payload too
// since stdin/stdout is a single shared byte stream with no natural
// per-entry boundary. The helper's stderr is captured so a failing
// helper's diagnostics surface in EngineError messages.
type HelperSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bufio.Scanner
}

// NewHelperSink starts argv as a subprocess and wires its stdin for the
// announce-then-write protocol.
func NewHelperSink(ctx context.Context, argv []string) (*HelperSink, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &HelperSink{cmd: cmd, stdin: stdin, stderr: bufio.NewScanner(stderrPipe)}, nil
}

// Announce buffers name for framing and returns a writer that
// accumulates the entry's bytes; the full frame (name, then payload,
// both length-prefixed) is written to stdin atomically on Close, so a
// partial write never leaves the helper mid-frame.
func (h *HelperSink) Announce(ctx context.Context, name string) (io.WriteCloser, error) {
	return &helperBufWriter{sink: h, name: name}, nil
}

type helperBufWriter struct {
	sink *HelperSink
	name string
	buf  bytes.Buffer
}

func (w *helperBufWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *helperBufWriter) Close() error {
	if err := writeFramedName(w.sink.stdin, w.name); err != nil {
		return ErrWrap(err, w.sink)
	}
	if err := writeFramedPayload(w.sink.stdin, w.buf.Bytes()); err != nil {
		return ErrWrap(err, w.sink)
	}
	return nil
}

func (h *HelperSink) Close() error {
	h.stdin.Close()
	err := h.cmd.Wait()
	if err != nil {
		return fmt.Errorf("helper process: %w: %s", err, h.drainStderr())
	}
	return nil
}

func (h *HelperSink) drainStderr() string {
	var last string
	for h.stderr.Scan() {
		last = h.stderr.Text()
	}
	return last
}

// ErrWrap annotates err with the helper's last stderr line, if any, so a
// write failure mid-stream carries the helper's diagnostic instead of
// just "broken pipe".
func ErrWrap(err error, h *HelperSink) error {
	if line := h.drainStderr(); line != "" {
		return fmt.Errorf("%w: helper: %s", err, line)
	}
	return err
}

// HelperSource reads entries back from a helper process's stdout: each
// entry is a length-prefixed name followed by a length-prefixed
// payload, the mirror image of HelperSink's framing, so Next never reads
// past the current entry's boundary into the next one. EOF on stdout
// before a name frame starts signals the stream is finished.
type HelperSource struct {
	cmd    *exec.Cmd
	stdout *bufio.Reader
	stderr *bufio.Scanner
}

// NewHelperSource starts argv as a subprocess and wires its stdout for
// the announce-then-read protocol.
func NewHelperSource(ctx context.Context, argv []string) (*HelperSource, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &HelperSource{cmd: cmd, stdout: bufio.NewReader(stdout), stderr: bufio.NewScanner(stderrPipe)}, nil
}

func (h *HelperSource) Next(ctx context.Context) (string, io.ReadCloser, error) {
	name, err := readFramedName(h.stdout)
	if err == io.EOF {
		return "", nil, io.EOF
	}
	if err != nil {
		return "", nil, err
	}
	payload, err := readFramedPayload(h.stdout)
	if err != nil {
		return "", nil, err
	}
	return name, io.NopCloser(bytes.NewReader(payload)), nil
}

func (h *HelperSource) Close() error {
	return h.cmd.Wait()
}

// writeFramedPayload writes p as a 4-byte big-endian length followed by
// p itself, the same shape writeFramedName uses for names.
func writeFramedPayload(w io.Writer, p []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

// readFramedPayload reads back what writeFramedPayload wrote. Chunk
// payloads are bounded by the configured chunk size, so an implausible
// length here means a desynchronized stream, not a legitimately large
// entry.
func readFramedPayload(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > 1<<30 {
		return nil, fmt.Errorf("transport: implausible payload length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
