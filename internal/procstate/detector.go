package procstate

import (
	"sync/atomic"
	"time"
)

// Detector reports whether the application's foreground context is attached
// and reachable for event delivery. The zero value is usable and reports
// detached, which is the correct answer before the application ever started.
type Detector struct {
	attached atomic.Bool
	since    atomic.Int64 // unix nanos of the last state change
}

// IsAttached reports the current attachment state. It has no side effects
// and never blocks.
func (d *Detector) IsAttached() bool {
	return d.attached.Load()
}

// Attach marks the application context as attached. It reports whether the
// state changed.
func (d *Detector) Attach() bool {
	return d.set(true)
}

// Detach marks the application context as gone. It reports whether the state
// changed.
func (d *Detector) Detach() bool {
	return d.set(false)
}

// Since returns when the current state began, or the zero time if the state
// has never changed.
func (d *Detector) Since() time.Time {
	n := d.since.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (d *Detector) set(v bool) bool {
	if d.attached.CompareAndSwap(!v, v) {
		d.since.Store(time.Now().UnixNano())
		return true
	}
	return false
}
