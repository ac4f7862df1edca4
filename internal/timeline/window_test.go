package timeline

import "testing"

func fixedCapacity(n int) func() int {
	return func() int { return n }
}

func TestWindowCapacityFloorsAtOne(t *testing.T) {
	w := NewWindow(fixedCapacity(0))
	if got := w.Capacity(); got != 1 {
		t.Fatalf("Capacity = %d, want 1", got)
	}
	w = NewWindow(nil)
	if got := w.Capacity(); got != 1 {
		t.Fatalf("Capacity with nil func = %d, want 1", got)
	}
}

func TestWindowCapacityIsRecomputed(t *testing.T) {
	cap := 10
	w := NewWindow(func() int { return cap })
	if got := w.Capacity(); got != 10 {
		t.Fatalf("Capacity = %d, want 10", got)
	}
	cap = 25
	if got := w.Capacity(); got != 25 {
		t.Fatalf("Capacity after resize = %d, want 25", got)
	}
}

func TestWindowSetFromClampsAtZero(t *testing.T) {
	w := NewWindow(fixedCapacity(10))
	w.SetFrom(-5)
	if got := w.From(); got != 0 {
		t.Fatalf("From = %d, want 0", got)
	}
}

func TestWindowAdvanceBackwardClampsAtZero(t *testing.T) {
	w := NewWindow(fixedCapacity(50))
	w.SetFrom(100)
	w.Advance(true, 50, 150)
	if got := w.From(); got != 50 {
		t.Fatalf("From = %d, want 50", got)
	}
	w.Advance(true, 80, 150)
	if got := w.From(); got != 0 {
		t.Fatalf("From after over-advance = %d, want 0", got)
	}
}

func TestWindowAdvanceForwardNeverOvershoots(t *testing.T) {
	w := NewWindow(fixedCapacity(50))
	w.SetFrom(0)
	w.Advance(false, 50, 150)
	if got := w.From(); got != 50 {
		t.Fatalf("From = %d, want 50", got)
	}
	// A full step would run past materialized data; clamp to len - cap.
	w.Advance(false, 80, 150)
	if got := w.From(); got != 100 {
		t.Fatalf("From after clamped advance = %d, want 100", got)
	}
	if got := w.Length(); got != 150 {
		t.Fatalf("Length = %d, want 150", got)
	}
}

func TestWindowAdvanceForwardSmallTimeline(t *testing.T) {
	w := NewWindow(fixedCapacity(50))
	w.SetFrom(0)
	// Fewer materialized events than capacity: stay at zero.
	w.Advance(false, 10, 30)
	if got := w.From(); got != 0 {
		t.Fatalf("From = %d, want 0", got)
	}
}
