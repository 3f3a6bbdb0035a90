package quota

import (
	"testing"
	"time"
)

func TestTokenBucketAllow(t *testing.T) {
	tb := NewTokenBucket(0, 10) // no refill, fixed burst
	if !tb.Allow(5) {
		t.Fatal("expected first allow(5) to succeed with burst 10")
	}
	if !tb.Allow(5) {
		t.Fatal("expected second allow(5) to succeed, exhausting the burst")
	}
	if tb.Allow(1) {
		t.Fatal("expected allow(1) to fail once burst is exhausted")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	tb := NewTokenBucket(1000, 10) // fast refill for a short test
	if !tb.Allow(10) {
		t.Fatal("expected initial burst to be available")
	}
	time.Sleep(20 * time.Millisecond)
	if !tb.Allow(1) {
		t.Fatal("expected bucket to have refilled after a short sleep")
	}
}

func TestCounterUnlimited(t *testing.T) {
	c := NewCounter(0, 0)
	for i := 0; i < 1000; i++ {
		if !c.AddFile() {
			t.Fatalf("expected unlimited file count to never exceed quota (i=%d)", i)
		}
	}
	if !c.AddBytes(1 << 40) {
		t.Fatal("expected unlimited byte count to never exceed quota")
	}
}

func TestCounterEnforcesFileLimit(t *testing.T) {
	c := NewCounter(2, 0)
	if !c.AddFile() {
		t.Fatal("expected first file to be within quota")
	}
	if !c.AddFile() {
		t.Fatal("expected second file to be within quota")
	}
	if c.AddFile() {
		t.Fatal("expected third file to exceed quota")
	}
}

func TestCounterEnforcesByteLimit(t *testing.T) {
	c := NewCounter(0, 100)
	if !c.AddBytes(60) {
		t.Fatal("expected 60 bytes to be within the 100-byte quota")
	}
	if c.AddBytes(60) {
		t.Fatal("expected cumulative 120 bytes to exceed the 100-byte quota")
	}
}
