package timeline

// Window is the cursor over the contiguous slice [From, From+Capacity) of the
// materialized timeline currently realized for display. It holds no event
// data, only arithmetic over the timeline's length.
type Window struct {
	from     int
	capacity func() int
}

// NewWindow creates a window whose capacity is recomputed from capacity on
// every query; viewport size can change between calls, so it is never cached.
func NewWindow(capacity func() int) *Window {
	return &Window{capacity: capacity}
}

// From returns the window's start index.
func (w *Window) From() int { return w.from }

// Capacity returns the current viewport capacity, at least 1.
func (w *Window) Capacity() int {
	c := 1
	if w.capacity != nil {
		c = w.capacity()
	}
	if c < 1 {
		c = 1
	}
	return c
}

// Length returns From + Capacity. A Length at or beyond the materialized
// length means the window has run off known data and the server should be
// checked.
func (w *Window) Length() int { return w.from + w.Capacity() }

// SetFrom moves the window start, clamped to zero.
func (w *Window) SetFrom(n int) {
	if n < 0 {
		n = 0
	}
	w.from = n
}

// Advance moves the window by step. Backward advancement trusts the caller
// (more history may still be fetchable) and only clamps at zero. Forward
// advancement never overshoots known data: the result is clamped so that
// From + Capacity stays within materializedLen.
func (w *Window) Advance(backwards bool, step, materializedLen int) {
	if backwards {
		w.SetFrom(w.from - step)
		return
	}
	next := w.from + step
	if next+w.Capacity() > materializedLen {
		next = materializedLen - w.Capacity()
	}
	w.SetFrom(next)
}
