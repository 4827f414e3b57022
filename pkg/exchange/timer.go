package exchange

import "time"

// Timer is a cancellable one-shot timer.
type Timer interface {
	Stop() bool
}

// TimerFunc schedules f to run after d.
// Tables take a TimerFunc so tests can fire timers by hand.
type TimerFunc func(d time.Duration, f func()) Timer

// DefaultTimerFunc schedules with time.AfterFunc.
func DefaultTimerFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
