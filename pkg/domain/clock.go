package domain

import "time"

// Clock supplies the current time so day-boundary logic is testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func RealClock() Clock { return realClock{} }

const DateKeyLayout = "2006-01-02"

// DateKey renders the calendar-date key used to scope daily counters.
func DateKey(t time.Time) string {
	return t.Format(DateKeyLayout)
}
