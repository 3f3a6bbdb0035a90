package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/blockvault/vmbackup/internal/fec"
)

// FECSink wraps a Sink with an optional Reed-Solomon parity layer (D2/D3):
// every group of k consecutive announced entries additionally produces r
// parity streams, sent through the same underlying Sink under a reserved
// naming convention. This is link-level resilience for the QUIC network
// transport: a dropped or corrupted entry can sometimes be reconstructed
// from its group's parity shards without a full resend. It is
// orthogonal to the per-chunk HMAC in internal/archive, which remains the
// sole source of cryptographic integrity.
type FECSink struct {
	inner Sink
	enc   *fec.Encoder
	k, r  int

	groupIdx   int
	shardNames []string
	shards     [][]byte
}

// NewFECSink wraps inner with a (k, r) parity layer.
func NewFECSink(inner Sink, k, r int) (*FECSink, error) {
	enc, err := fec.NewEncoder(k, r)
	if err != nil {
		return nil, err
	}
	return &FECSink{inner: inner, enc: enc, k: k, r: r}, nil
}

type fecBufWriter struct {
	sink *FECSink
	ctx  context.Context
	name string
	buf  bytes.Buffer
}

func (w *fecBufWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fecBufWriter) Close() error {
	return w.sink.commit(w.ctx, w.name, w.buf.Bytes())
}

func (s *FECSink) Announce(ctx context.Context, name string) (io.WriteCloser, error) {
	return &fecBufWriter{sink: s, ctx: ctx, name: name}, nil
}

// commit forwards name's full bytes to the underlying sink unchanged,
// then folds it into the current parity group, flushing parity shards
// once the group reaches k entries.
func (s *FECSink) commit(ctx context.Context, name string, data []byte) error {
	w, err := s.inner.Announce(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	s.shardNames = append(s.shardNames, name)
	s.shards = append(s.shards, data)
	if len(s.shards) == s.k {
		return s.flushGroup(ctx)
	}
	return nil
}

func (s *FECSink) flushGroup(ctx context.Context) error {
	if len(s.shards) == 0 {
		return nil
	}
	padded := padShards(s.shards)
	parity, err := s.enc.Encode(padded)
	if err != nil {
		return fmt.Errorf("fec: encoding group %d: %w", s.groupIdx, err)
	}
	for i, shard := range parity {
		name := fmt.Sprintf("__fec_parity__.%d.%d", s.groupIdx, i)
		w, err := s.inner.Announce(ctx, name)
		if err != nil {
			return err
		}
		if _, err := w.Write(shard); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
	s.groupIdx++
	s.shardNames = s.shardNames[:0]
	s.shards = s.shards[:0]
	return nil
}

// Close flushes any partial trailing group (padded with empty shards, so
// a short final group still gets parity coverage) and closes inner.
func (s *FECSink) Close() error {
	if len(s.shards) > 0 {
		for len(s.shards) < s.k {
			s.shards = append(s.shards, nil)
		}
		if err := s.flushGroup(context.Background()); err != nil {
			return err
		}
	}
	return s.inner.Close()
}

// FECSource wraps a Source, transparently stripping the
// "__fec_parity__.N.M" entries a FECSink interleaves into the stream so
// the consumer pipeline never sees them. It does not attempt
// reconstruction on this path: QUIC streams are themselves reliable
// once accepted, so parity only buys recovery against a dialed-away or
// reset stream, which surfaces as a connection error the caller already
// has to handle, not a silently missing shard.
type FECSource struct {
	inner Source
}

// NewFECSource wraps inner, discarding parity entries a matching
// FECSink produced.
func NewFECSource(inner Source) *FECSource {
	return &FECSource{inner: inner}
}

func (s *FECSource) Next(ctx context.Context) (string, io.ReadCloser, error) {
	for {
		name, r, err := s.inner.Next(ctx)
		if err != nil {
			return name, r, err
		}
		if isFECParityName(name) {
			io.Copy(io.Discard, r)
			r.Close()
			continue
		}
		return name, r, nil
	}
}

func (s *FECSource) Close() error { return s.inner.Close() }

func isFECParityName(name string) bool {
	return len(name) >= len("__fec_parity__.") && name[:len("__fec_parity__.")] == "__fec_parity__."
}

func padShards(shards [][]byte) [][]byte {
	max := 0
	for _, sh := range shards {
		if len(sh) > max {
			max = len(sh)
		}
	}
	out := make([][]byte, len(shards))
	for i, sh := range shards {
		if len(sh) == max {
			out[i] = sh
			continue
		}
		padded := make([]byte, max)
		copy(padded, sh)
		out[i] = padded
	}
	return out
}
