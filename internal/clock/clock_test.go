package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)
	if got := f.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}
	if got := f.Advance(5 * time.Second); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("Advance() = %v", got)
	}
	f.Set(start)
	if got := f.Now(); !got.Equal(start) {
		t.Fatalf("Set() then Now() = %v", got)
	}
}

func TestOrSystem(t *testing.T) {
	t.Parallel()
	if OrSystem(nil)().IsZero() {
		t.Fatal("system clock returned zero time")
	}
	fixed := time.Unix(42, 0)
	if got := OrSystem(func() time.Time { return fixed })(); !got.Equal(fixed) {
		t.Fatalf("OrSystem(f)() = %v", got)
	}
}
