package observe

import "time"

// Timing measures the wall time of one run. The zero value is not started.
type Timing struct {
	start time.Time
	end   time.Time
}

// NewTiming starts measuring now.
func NewTiming() *Timing {
	return &Timing{start: time.Now()}
}

// Complete stops the clock. Only the first call counts.
func (t *Timing) Complete() {
	if t.end.IsZero() {
		t.end = time.Now()
	}
}

// Duration is the measured wall time, or the time so far if still running.
func (t *Timing) Duration() time.Duration {
	if t.start.IsZero() {
		return 0
	}
	if t.end.IsZero() {
		return time.Since(t.start)
	}
	return t.end.Sub(t.start)
}
