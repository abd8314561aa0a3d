package lim

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(60, 3)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("gist-a") {
			t.Fatalf("attempt %d denied within burst", i+1)
		}
	}
	if l.Allow("gist-a") {
		t.Fatal("attempt beyond burst allowed")
	}
}

func TestAllowIsolatedPerID(t *testing.T) {
	l := New(60, 1)
	defer l.Stop()

	if !l.Allow("gist-a") {
		t.Fatal("first attempt for gist-a denied")
	}
	if l.Allow("gist-a") {
		t.Fatal("second attempt for gist-a allowed")
	}
	if !l.Allow("gist-b") {
		t.Fatal("exhausting gist-a must not affect gist-b")
	}
}

func TestAllowRefills(t *testing.T) {
	// 6000 rpm = 100 tokens per second, so a drained bucket refills
	// within a few tens of milliseconds.
	l := New(6000, 1)
	defer l.Stop()

	if !l.Allow("gist-a") {
		t.Fatal("first attempt denied")
	}
	if l.Allow("gist-a") {
		t.Fatal("bucket should be drained")
	}
	time.Sleep(50 * time.Millisecond)
	if !l.Allow("gist-a") {
		t.Fatal("bucket did not refill")
	}
}

func TestNewClampsParams(t *testing.T) {
	l := New(0, -5)
	defer l.Stop()

	if l.rpm != 1 || l.burst != 1 {
		t.Fatalf("got rpm=%d burst=%d, want both clamped to 1", l.rpm, l.burst)
	}
	if !l.Allow("gist-a") {
		t.Fatal("clamped limiter denied first attempt")
	}
}

func TestEvictExpired(t *testing.T) {
	l := New(60, 1)
	defer l.Stop()

	l.Allow("gist-a")
	l.Allow("gist-b")

	l.mu.Lock()
	l.limiters["gist-a"].lastAccess = time.Now().Add(-limiterTTL - time.Minute)
	l.mu.Unlock()

	l.evictExpired()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.limiters["gist-a"]; ok {
		t.Fatal("stale entry survived eviction")
	}
	if _, ok := l.limiters["gist-b"]; !ok {
		t.Fatal("fresh entry was evicted")
	}
}

func TestEvictOldestAtCapacity(t *testing.T) {
	l := New(60, 1)
	defer l.Stop()

	l.mu.Lock()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		l.limiters[string(rune('a'+i))] = &limiterEntry{
			limiter:    nil,
			lastAccess: base.Add(time.Duration(i) * time.Minute),
		}
	}
	l.evictOldestLocked(3)
	defer l.mu.Unlock()

	if len(l.limiters) != 7 {
		t.Fatalf("got %d entries, want 7", len(l.limiters))
	}
	for _, key := range []string{"a", "b", "c"} {
		if _, ok := l.limiters[key]; ok {
			t.Fatalf("oldest entry %q survived", key)
		}
	}
	if _, ok := l.limiters["j"]; !ok {
		t.Fatal("newest entry evicted")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(60, 1)
	l.Stop()
	l.Stop()
}
