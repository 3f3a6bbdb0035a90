// Package fec adds optional Reed-Solomon forward error correction over a
// run of outer archive chunks sent across the QUIC network transport
// (D3), so a single dropped or corrupted chunk can sometimes be
// reconstructed without a full retransmit. This is independent of, and
// does not replace, the per-chunk HMAC in internal/archive: FEC improves
// link resilience, the MAC remains the sole source of cryptographic
// chunk integrity.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Encoder computes Reed-Solomon parity shards over K data shards.
type Encoder struct {
	k  int
	r  int
	rs reedsolomon.Encoder
}

// NewEncoder creates a new FEC encoder for k data shards and r parity shards.
func NewEncoder(k, r int) (*Encoder, error) {
	if k < 1 || k > 256 {
		return nil, fmt.Errorf("data shards must be between 1 and 256, got %d", k)
	}
	if r < 1 || r > 256 {
		return nil, fmt.Errorf("parity shards must be between 1 and 256, got %d", r)
	}
	rs, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create reed-solomon encoder: %w", err)
	}
	return &Encoder{k: k, r: r, rs: rs}, nil
}

// Encode generates parity shards from the given data shards (one shard
// per archive chunk in a run of k consecutive chunks).
func (e *Encoder) Encode(dataShards [][]byte) ([][]byte, error) {
	if len(dataShards) != e.k {
		return nil, fmt.Errorf("expected %d data shards, got %d", e.k, len(dataShards))
	}
	if len(dataShards) > 0 {
		shardSize := len(dataShards[0])
		for i, shard := range dataShards {
			if len(shard) != shardSize {
				return nil, fmt.Errorf("shard %d size mismatch: expected %d, got %d", i, shardSize, len(shard))
			}
		}
	}

	parityShards := make([][]byte, e.r)
	for i := range parityShards {
		if len(dataShards) > 0 {
			parityShards[i] = make([]byte, len(dataShards[0]))
		}
	}

	allShards := make([][]byte, e.k+e.r)
	copy(allShards[:e.k], dataShards)
	copy(allShards[e.k:], parityShards)

	if err := e.rs.Encode(allShards); err != nil {
		return nil, fmt.Errorf("encoding failed: %w", err)
	}
	return allShards[e.k:], nil
}

// Parameters returns the K and R values.
func (e *Encoder) Parameters() (k, r int) { return e.k, e.r }

// Decoder reconstructs missing shards from a run of k data + r parity shards.
type Decoder struct {
	k  int
	r  int
	rs reedsolomon.Encoder
}

// NewDecoder creates a new FEC decoder matching an Encoder's (k, r).
func NewDecoder(k, r int) (*Decoder, error) {
	if k < 1 || k > 256 {
		return nil, fmt.Errorf("data shards must be between 1 and 256, got %d", k)
	}
	if r < 1 || r > 256 {
		return nil, fmt.Errorf("parity shards must be between 1 and 256, got %d", r)
	}
	rs, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create reed-solomon decoder: %w", err)
	}
	return &Decoder{k: k, r: r, rs: rs}, nil
}

// Reconstruct fills in nil entries of shards in place. Fails if more than
// r shards are missing.
func (d *Decoder) Reconstruct(shards [][]byte) error {
	if len(shards) != d.k+d.r {
		return fmt.Errorf("expected %d shards (k=%d + r=%d), got %d", d.k+d.r, d.k, d.r, len(shards))
	}
	missing := 0
	for _, shard := range shards {
		if shard == nil {
			missing++
		}
	}
	if missing > d.r {
		return fmt.Errorf("too many missing shards: %d missing, can only recover up to %d", missing, d.r)
	}
	if missing == 0 {
		return nil
	}
	if err := d.rs.Reconstruct(shards); err != nil {
		return fmt.Errorf("reconstruction failed: %w", err)
	}
	return nil
}

// Parameters returns the K and R values.
func (d *Decoder) Parameters() (k, r int) { return d.k, d.r }
