// Package transport implements the transport adapter: a Sink for the
// producer pipeline to write announced archive members and chunk/hmac
// files to, and a Source for the consumer pipeline to read them back
// from, in whatever order the destination requires. Three concrete
// transports share these interfaces (local file, a spawned helper
// process in another domain, and an optional QUIC network link) so the
// pipeline code itself never knows which is active.
package transport

import (
	"context"
	"io"
)

// Sink is where the producer pipeline writes outgoing archive bytes.
// Each call announces a logical filename before (or via) the write;
// implementations that multiplex many files over one stream (helper
// process, QUIC) use Announce to delimit them.
type Sink interface {
	// Announce begins a new named entry (member, chunk, or .hmac file).
	Announce(ctx context.Context, name string) (io.WriteCloser, error)
	// Close finalizes the sink (e.g. signals completion downstream).
	Close() error
}

// Source is where the consumer pipeline reads incoming archive bytes.
// Next returns io.EOF once the source signals completion.
type Source interface {
	// Next returns the next named entry's reader, or io.EOF when done.
	Next(ctx context.Context) (name string, r io.ReadCloser, err error)
	// Close releases source resources.
	Close() error
}
