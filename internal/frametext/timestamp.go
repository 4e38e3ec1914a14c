package frametext

import (
	"fmt"
	"time"
)

// TimestampMode selects the trace-line timestamp prefix.
type TimestampMode byte

const (
	TimestampNone     TimestampMode = 'n'
	TimestampAbsolute TimestampMode = 'a'
	TimestampDelta    TimestampMode = 'd'
	TimestampZero     TimestampMode = 'z'
)

// ParseTimestampMode maps the single-letter console option to a mode.
func ParseTimestampMode(s string) (TimestampMode, error) {
	switch s {
	case "", "n", "none":
		return TimestampNone, nil
	case "a", "absolute":
		return TimestampAbsolute, nil
	case "d", "delta":
		return TimestampDelta, nil
	case "z", "zero":
		return TimestampZero, nil
	}
	return TimestampNone, fmt.Errorf("%w: timestamp mode %q (use a/d/z/n)", ErrMalformed, s)
}

// Timestamper formats capture timestamps for one monitor run. Delta mode is
// stateful: Stamp must be called exactly once per displayed frame, in capture
// order. Not safe for concurrent use; the capture consumer owns it.
type Timestamper struct {
	mode  TimestampMode
	start time.Time
	last  time.Time
}

// NewTimestamper starts a timestamper at the capture-session start time.
func NewTimestamper(mode TimestampMode, start time.Time) *Timestamper {
	return &Timestamper{mode: mode, start: start, last: start}
}

// Stamp renders the prefix for a frame captured at t: "(seconds.microseconds) "
// with 6-digit microseconds, or "" in none mode.
func (ts *Timestamper) Stamp(t time.Time) string {
	switch ts.mode {
	case TimestampAbsolute:
		return formatStamp(t.Unix(), int64(t.Nanosecond()/1000))
	case TimestampDelta:
		d := t.Sub(ts.last)
		ts.last = t
		return formatDuration(d)
	case TimestampZero:
		return formatDuration(t.Sub(ts.start))
	}
	return ""
}

func formatDuration(d time.Duration) string {
	us := d.Microseconds()
	return formatStamp(us/1e6, us%1e6)
}

func formatStamp(sec, usec int64) string {
	return fmt.Sprintf("(%d.%06d) ", sec, usec)
}
