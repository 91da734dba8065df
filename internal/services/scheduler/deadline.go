package scheduler

import "time"

// Deadline is either a point in time or Never.
// The zero value is Never.
type Deadline struct {
	t   time.Time
	set bool
}

func Never() Deadline { return Deadline{} }

func At(t time.Time) Deadline { return Deadline{t: t, set: true} }

func (d Deadline) IsNever() bool { return !d.set }

// Time returns the instant and whether it is set.
func (d Deadline) Time() (time.Time, bool) { return d.t, d.set }

// Before reports whether d is strictly earlier than o. Never is later than
// every instant.
func (d Deadline) Before(o Deadline) bool {
	switch {
	case !d.set:
		return false
	case !o.set:
		return true
	default:
		return d.t.Before(o.t)
	}
}

// Due reports whether d is set and not after now.
func (d Deadline) Due(now time.Time) bool {
	return d.set && !d.t.After(now)
}

// Passed reports whether d is set and strictly before now.
func (d Deadline) Passed(now time.Time) bool {
	return d.set && now.After(d.t)
}

// Min returns the earlier of a and b.
func Min(a, b Deadline) Deadline {
	if b.Before(a) {
		return b
	}
	return a
}

func (d Deadline) String() string {
	if !d.set {
		return "never"
	}
	return d.t.Format(time.RFC3339Nano)
}
