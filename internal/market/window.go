package market

// DefaultWindowSize is the number of ticks retained per session.
const DefaultWindowSize = 100

// Window is a bounded rolling window of contiguous ticks, oldest first.
// It is not safe for concurrent use; each session owns its own.
type Window struct {
	size  int
	ticks []Tick
	start int
}

// NewWindow creates a window holding at most size ticks. size is clamped to [10, 1000].
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	if size < 10 {
		size = 10
	}
	if size > 1000 {
		size = 1000
	}
	return &Window{size: size, ticks: make([]Tick, 0, size)}
}

// Push appends a tick, evicting the oldest when full. Ticks older than the
// newest one are ignored.
func (w *Window) Push(t Tick) bool {
	if last, ok := w.Last(); ok && t.Time.Before(last.Time) {
		return false
	}
	if len(w.ticks) < w.size {
		w.ticks = append(w.ticks, t)
		return true
	}
	w.ticks[w.start] = t
	w.start = (w.start + 1) % w.size
	return true
}

// Apply feeds a feed event into the window. A gap clears it.
func (w *Window) Apply(ev Event) {
	switch ev.Kind {
	case KindGap:
		w.Reset()
	case KindTick:
		w.Push(ev.Tick)
	}
}

// Reset drops all ticks.
func (w *Window) Reset() {
	w.ticks = w.ticks[:0]
	w.start = 0
}

// Len returns the number of ticks held.
func (w *Window) Len() int { return len(w.ticks) }

// Cap returns the window capacity.
func (w *Window) Cap() int { return w.size }

// Last returns the newest tick.
func (w *Window) Last() (Tick, bool) {
	if len(w.ticks) == 0 {
		return Tick{}, false
	}
	idx := len(w.ticks) - 1
	if len(w.ticks) == w.size {
		idx = (w.start + w.size - 1) % w.size
	}
	return w.ticks[idx], true
}

// Ticks returns a copy of the window, oldest first.
func (w *Window) Ticks() []Tick {
	out := make([]Tick, 0, len(w.ticks))
	if len(w.ticks) < w.size {
		return append(out, w.ticks...)
	}
	out = append(out, w.ticks[w.start:]...)
	return append(out, w.ticks[:w.start]...)
}

// Tail returns the newest n ticks, oldest first.
func (w *Window) Tail(n int) []Tick {
	all := w.Ticks()
	if n >= len(all) || n < 0 {
		return all
	}
	return all[len(all)-n:]
}
