package hashid

import (
	"testing"
	"time"
)

func TestHashDeterministic(t *testing.T) {
	a := Hash("alice@a.com", "2026-01-02T03:04:05Z", "hello", "")
	b := Hash("alice@a.com", "2026-01-02T03:04:05Z", "hello", "")
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}
	if len(a) != 40 {
		t.Fatalf("expected 40 hex chars, got %d", len(a))
	}
}

func TestHashDistinctInputs(t *testing.T) {
	a := Hash("alice@a.com", "2026-01-02T03:04:05Z", "hello", "")
	b := Hash("alice@a.com", "2026-01-02T03:04:05Z", "hello!", "")
	if a == b {
		t.Fatalf("different inputs produced the same id")
	}
}

func TestHash256Length(t *testing.T) {
	id := Hash256("alice@a.com", "2026-01-02T03:04:05Z", "ref")
	if len(id) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(id))
	}
}

func TestTSIsUTCNano(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	ts := time.Date(2026, 1, 2, 4, 4, 5, 123456789, loc)
	got := TS(ts)
	if got != "2026-01-02T03:04:05.123456789Z" {
		t.Fatalf("unexpected rendering: %s", got)
	}
	// field ordering matters: swapping two parts must change the digest
	if Hash("a", "b") == Hash("b", "a") {
		t.Fatalf("order-insensitive hash")
	}
}
