package session

import "time"

// Timer is a cancellable deadline. Stop reports whether the timer was
// stopped before firing.
type Timer interface {
	Stop() bool
}

// TimerFactory schedules fn to run after d and returns a handle to cancel
// it. Production code uses [StdTimers]; tests inject [ManualTimers] so
// deadline behaviour can be simulated without real delays.
type TimerFactory func(d time.Duration, fn func()) Timer

// StdTimers is the production TimerFactory backed by [time.AfterFunc].
func StdTimers(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// orStd returns f, or [StdTimers] when f is nil.
func (f TimerFactory) orStd() TimerFactory {
	if f == nil {
		return StdTimers
	}
	return f
}
