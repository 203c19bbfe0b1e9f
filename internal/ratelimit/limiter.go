// Package ratelimit bounds how fast a signaling connection may send.
package ratelimit

import (
	"golang.org/x/time/rate"
)

// Limiter admits events at a steady rate with a burst allowance. Time comes
// from a Clock so tests can step it. A nil Limiter admits everything.
type Limiter struct {
	clock Clock
	lim   *rate.Limiter
}

func NewLimiter(clock Clock, perSecond float64, burst int) *Limiter {
	if clock == nil {
		clock = RealClock{}
	}
	return &Limiter{
		clock: clock,
		lim:   rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// NewMessageLimiter returns a limiter admitting perSecond signaling messages
// per second with a burst of the same size. perSecond <= 0 disables limiting
// and returns nil.
func NewMessageLimiter(clock Clock, perSecond int) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	return NewLimiter(clock, float64(perSecond), perSecond)
}

// Allow consumes n events if available. n <= 0 always succeeds.
func (l *Limiter) Allow(n int) bool {
	if l == nil || n <= 0 {
		return true
	}
	return l.lim.AllowN(l.clock.Now(), n)
}
