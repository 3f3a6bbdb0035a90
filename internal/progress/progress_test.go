package progress

import (
	"context"
	"testing"
)

func TestTrackerFractionClampedAndAccumulates(t *testing.T) {
	var lastDone, lastTotal int64
	calls := 0
	tr := New(100, func(done, total int64) {
		calls++
		lastDone, lastTotal = done, total
	})

	tr.AddBytes(40)
	if tr.Fraction() != 0.4 {
		t.Fatalf("Fraction = %v, want 0.4", tr.Fraction())
	}
	tr.AddBytes(80)
	if tr.Fraction() != 1 {
		t.Fatalf("Fraction = %v, want clamped 1", tr.Fraction())
	}
	if calls != 2 {
		t.Fatalf("expected 2 onProgress calls, got %d", calls)
	}
	if lastDone != 120 || lastTotal != 100 {
		t.Fatalf("callback saw done=%d total=%d", lastDone, lastTotal)
	}
	if tr.BytesDone() != 120 {
		t.Fatalf("BytesDone = %d, want 120", tr.BytesDone())
	}
}

func TestTrackerZeroTotalFractionIsZero(t *testing.T) {
	tr := New(0, nil)
	tr.AddBytes(10)
	if tr.Fraction() != 0 {
		t.Fatalf("Fraction = %v, want 0 for zero total", tr.Fraction())
	}
}

func TestTrackerCancel(t *testing.T) {
	tr := New(100, nil)
	if tr.Canceled() {
		t.Fatal("expected not canceled initially")
	}
	tr.Cancel()
	if !tr.Canceled() {
		t.Fatal("expected canceled after Cancel()")
	}
}

func TestCancelableContextCanceledByTracker(t *testing.T) {
	tr := New(100, nil)
	ctx, cancel := CancelableContext(context.Background(), tr)
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("context should not be done before Cancel()")
	default:
	}

	tr.Cancel()

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context to be done after Tracker.Cancel()")
	}
}
