// Package faultrate throttles repeated fault log lines (fiber panics,
// syscall failures) per category, so a hot failure loop on one fiber or fd
// doesn't flood the log with thousands of identical lines per second.
package faultrate

import (
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// Limiter caps fault-log emission per category to 5/second and 60/minute,
// which is generous for a real fault but silences a tight panic loop.
type Limiter struct {
	rate *catrate.Limiter
}

// New constructs a fault-rate limiter with the default windows.
func New() *Limiter {
	return &Limiter{
		rate: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
	}
}

// Allow reports whether a fault for category should be logged now.
func (l *Limiter) Allow(category any) bool {
	if l == nil || l.rate == nil {
		return true
	}
	_, ok := l.rate.Allow(category)
	return ok
}
