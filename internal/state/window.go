// internal/state/window.go
package state

import (
    "time"

    "netwatch/internal/models"
)

// Window is a fixed-capacity ring of a device's recent transitions. Entries
// older than span are evicted on every read and write.
type Window struct {
    buf   []models.TransitionEvent
    start int
    size  int
    span  time.Duration
}

func NewWindow(capacity int, span time.Duration) *Window {
    if capacity < 1 {
        capacity = 1
    }
    return &Window{
        buf:  make([]models.TransitionEvent, capacity),
        span: span,
    }
}

func (w *Window) Add(ev models.TransitionEvent) {
    w.evict(ev.Timestamp)
    idx := (w.start + w.size) % len(w.buf)
    w.buf[idx] = ev
    if w.size < len(w.buf) {
        w.size++
    } else {
        // full: overwrite the oldest
        w.start = (w.start + 1) % len(w.buf)
    }
}

// Events returns a copy of the live entries, oldest first.
func (w *Window) Events(now time.Time) []models.TransitionEvent {
    w.evict(now)
    out := make([]models.TransitionEvent, 0, w.size)
    for i := 0; i < w.size; i++ {
        out = append(out, w.buf[(w.start+i)%len(w.buf)])
    }
    return out
}

func (w *Window) Len() int {
    return w.size
}

func (w *Window) evict(now time.Time) {
    cutoff := now.Add(-w.span)
    for w.size > 0 {
        oldest := w.buf[w.start]
        if oldest.Timestamp.After(cutoff) {
            return
        }
        w.buf[w.start] = models.TransitionEvent{}
        w.start = (w.start + 1) % len(w.buf)
        w.size--
    }
}
