package pipeline

import (
	"context"

	"github.com/blockvault/vmbackup/internal/archive"
)

// sendItem is one outgoing named member: a chunk data file or its .hmac
// companion. The producer enqueues both, back to back, for every chunk.
type sendItem struct {
	name string
	data []byte
}

// SendQueue is the bounded producer/sender handoff queue: a single
// channel of the depth given to NewSendQueue (10 by default) carrying
// named byte blobs from whichever
// goroutine is archiving a member to the single sender goroutine that
// drains it straight to a transport.Sink.
type SendQueue struct {
	items chan *sendItem
	errc  chan error
}

// NewSendQueue constructs a SendQueue with the given capacity, defaulting
// to 10 (config.EngineConfig.QueueDepth).
func NewSendQueue(depth int) *SendQueue {
	if depth <= 0 {
		depth = 10
	}
	return &SendQueue{
		items: make(chan *sendItem, depth),
		errc:  make(chan error, 1),
	}
}

// Enqueue blocks until there is room in the queue, ctx is canceled, or a
// sender-side fatal error has already been recorded: a select against
// errc alongside ctx.Done() unblocks a caller stuck behind a dead sender.
func (q *SendQueue) Enqueue(ctx context.Context, name string, data []byte) error {
	select {
	case q.items <- &sendItem{name: name, data: data}:
		return nil
	case err := <-q.errc:
		return err
	case <-ctx.Done():
		return archive.ErrCanceled
	}
}

// Close signals FINISHED: no more items will be enqueued.
func (q *SendQueue) Close() { close(q.items) }

// fail records a fatal sender-side error for Enqueue callers still
// waiting on the queue to unblock them.
func (q *SendQueue) fail(err error) {
	select {
	case q.errc <- err:
	default:
	}
}
