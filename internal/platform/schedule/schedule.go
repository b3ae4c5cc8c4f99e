// Package schedule abstracts wall-clock time and deferred task scheduling so
// the kiosk loops can be driven deterministically in tests.
package schedule

import "time"

// Timer is a scheduled task handle. Stop reports whether the task was
// cancelled before firing.
type Timer interface {
	Stop() bool
}

// Clock provides current time and deferred task scheduling.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// System returns the real wall-clock implementation.
func System() Clock {
	return systemClock{}
}
