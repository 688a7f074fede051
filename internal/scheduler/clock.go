// internal/scheduler/clock.go
package scheduler

import "time"

// Clock lets tests drive the recurring schedule.
type Clock interface {
    Now() time.Time
    Ticker(d time.Duration) Ticker
}

type Ticker interface {
    Chan() <-chan time.Time
    Stop()
}

// RealClock implements Clock using the time package.
type RealClock struct{}

func (RealClock) Now() time.Time {
    return time.Now()
}

func (RealClock) Ticker(d time.Duration) Ticker {
    return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
    t *time.Ticker
}

func (r *realTicker) Chan() <-chan time.Time {
    return r.t.C
}

func (r *realTicker) Stop() {
    r.t.Stop()
}
