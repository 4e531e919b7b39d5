package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Limit
		ok   bool
	}{
		{"10/s", Limit{10, PerSecond}, true},
		{"5/m", Limit{5, PerMinute}, true},
		{" 500/m ", Limit{500, PerMinute}, true},
		{"10/h", Limit{}, false},
		{"0/s", Limit{}, false},
		{"-3/s", Limit{}, false},
		{"invalid", Limit{}, false},
		{"/s", Limit{}, false},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if c.ok != (err == nil) {
			t.Fatalf("Parse(%q): unexpected err %v", c.in, err)
		}
		if c.ok && got != c.want {
			t.Fatalf("Parse(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestLimitString(t *testing.T) {
	for _, s := range []string{"10/s", "5/m"} {
		l, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if l.String() != s {
			t.Fatalf("String() = %q, want %q", l.String(), s)
		}
	}
}

func TestBucketStartsFull(t *testing.T) {
	b := NewBucket(Limit{MaxRequests: 5, Per: PerSecond})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := b.Acquire(ctx, 1); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("first 5 acquires should not block, took %v", elapsed)
	}
}

func TestBucketSixthAcquireWaits(t *testing.T) {
	b := NewBucket(Limit{MaxRequests: 5, Per: PerSecond})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := b.Acquire(ctx, 1); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	// Bucket drained: the sixth acquire must wait for a refill (5/s = one
	// token every 200ms).
	start := time.Now()
	if err := b.Acquire(ctx, 1); err != nil {
		t.Fatalf("sixth acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("sixth acquire returned in %v, expected to wait for refill", elapsed)
	}
}

func TestTryAcquire(t *testing.T) {
	b := NewBucket(Limit{MaxRequests: 2, Per: PerMinute})

	if !b.TryAcquire(1) || !b.TryAcquire(1) {
		t.Fatal("a full bucket must admit without blocking")
	}
	// Drained: the no-wait path reports contention instead of blocking.
	if b.TryAcquire(1) {
		t.Fatal("a drained bucket must not admit without waiting")
	}
	if !b.TryAcquire(0) {
		t.Fatal("zero tokens is always admitted")
	}
}

func TestAcquireBeyondCapacity(t *testing.T) {
	b := NewBucket(Limit{MaxRequests: 2, Per: PerSecond})
	if err := b.Acquire(context.Background(), 3); err == nil {
		t.Fatal("expected error acquiring more tokens than capacity")
	}
}

func TestAcquireCanceled(t *testing.T) {
	b := NewBucket(Limit{MaxRequests: 1, Per: PerMinute})
	if err := b.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.Acquire(ctx, 1); err == nil {
		t.Fatal("expected context error while waiting for refill")
	}
}

func TestSetDefaultsAndOverrides(t *testing.T) {
	s := NewSet(map[Category]Limit{CategoryLLM: {MaxRequests: 7, Per: PerSecond}})

	if got := s.Get(CategoryLLM).Limit(); got.MaxRequests != 7 {
		t.Fatalf("llm override not applied: %+v", got)
	}
	if got := s.Get(CategoryExternal).Limit(); got != DefaultLimit(CategoryExternal) {
		t.Fatalf("external default not applied: %+v", got)
	}

	// Same bucket instance on repeated Get.
	if s.Get(CategoryLLM) != s.Get(CategoryLLM) {
		t.Fatal("Get must return the same bucket per category")
	}
}
