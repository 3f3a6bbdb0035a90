// Package progress implements C8: byte-based progress accounting and
// cooperative cancellation, shared by the producer and consumer
// pipelines. All mutation goes through atomics so any goroutine may
// report progress or request cancellation without a lock.
package progress

import (
	"context"
	"sync/atomic"
)

// Tracker accounts bytes moved against a known total and exposes a
// cancel flag. The zero value is not usable; construct with New.
type Tracker struct {
	doneBytes  atomic.Int64
	totalBytes int64
	canceled   atomic.Bool
	onProgress func(done, total int64)
	cancelFunc context.CancelFunc
}

// New constructs a Tracker for a run expected to move totalBytes bytes
// in total. onProgress, if non-nil, is invoked after every AddBytes call
// and must not block: the engine calls it from pipeline worker
// goroutines on the hot path.
func New(totalBytes int64, onProgress func(done, total int64)) *Tracker {
	return &Tracker{totalBytes: totalBytes, onProgress: onProgress}
}

// AddBytes records n additional bytes moved (e.g. on every chunk
// completion) and reports the new total via onProgress.
func (t *Tracker) AddBytes(n int64) {
	done := t.doneBytes.Add(n)
	if t.onProgress != nil {
		t.onProgress(done, t.totalBytes)
	}
}

// Fraction returns the done/total ratio clamped to [0, 1].
func (t *Tracker) Fraction() float64 {
	if t.totalBytes <= 0 {
		return 0
	}
	frac := float64(t.doneBytes.Load()) / float64(t.totalBytes)
	if frac < 0 {
		return 0
	}
	if frac > 1 {
		return 1
	}
	return frac
}

// BytesDone returns the raw running total.
func (t *Tracker) BytesDone() int64 { return t.doneBytes.Load() }

// Cancel sets the cancel flag and, if this Tracker was bound to a
// context via CancelableContext, cancels that context too. Safe to call
// from any goroutine, any number of times.
func (t *Tracker) Cancel() {
	t.canceled.Store(true)
	if t.cancelFunc != nil {
		t.cancelFunc()
	}
}

// Canceled reports whether Cancel has been called.
func (t *Tracker) Canceled() bool { return t.canceled.Load() }

// CancelableContext derives a context from parent whose Done channel
// closes the moment t.Cancel is called, so pipeline stages can select
// on one ctx.Done() regardless of whether cancellation came from the
// caller's parent context or from an explicit Tracker.Cancel.
func CancelableContext(parent context.Context, t *Tracker) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	t.cancelFunc = cancel
	return ctx, cancel
}
