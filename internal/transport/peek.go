package transport

import (
	"context"
	"io"
)

// pending holds one read-ahead entry an Unget call pushed back.
type pending struct {
	name string
	r    io.ReadCloser
	err  error
}

// PeekableSource wraps a Source with a one-entry lookahead buffer, so a
// caller can read an entry, decide it belongs to a later stage (e.g. the
// first post-header/catalog member), and push it back for that stage's
// own Next call. This is how the CLI hands header and catalog parsing
// off to Consumer.Run for the remaining VM members without the two
// layers needing to agree up front on how many entries belong to each.
type PeekableSource struct {
	inner   Source
	pending *pending
}

// NewPeekable wraps src. The result still implements Source.
func NewPeekable(src Source) *PeekableSource {
	return &PeekableSource{inner: src}
}

// Next returns the ungotten entry if one is pending, otherwise delegates
// to the wrapped Source.
func (p *PeekableSource) Next(ctx context.Context) (string, io.ReadCloser, error) {
	if p.pending != nil {
		pend := p.pending
		p.pending = nil
		return pend.name, pend.r, pend.err
	}
	return p.inner.Next(ctx)
}

// Unget pushes one (name, r, err) triple back, to be replayed by the next
// Next call. Only one entry may be pending at a time.
func (p *PeekableSource) Unget(name string, r io.ReadCloser, err error) {
	p.pending = &pending{name: name, r: r, err: err}
}

func (p *PeekableSource) Close() error { return p.inner.Close() }
