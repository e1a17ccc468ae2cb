package ratelimit

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits bursts of up to burst events, refilled at burst per
// interval, and reports how many were suppressed since the last admitted one.
// Safe for concurrent use. A nil Limiter admits everything.
type Limiter struct {
	lim        *rate.Limiter
	suppressed atomic.Int64
	now        func() time.Time
}

// Default burst and interval for data path diagnostics.
const (
	DefaultBurst    = 10
	DefaultInterval = 5 * time.Second
)

func NewLimiter(burst int, interval time.Duration) *Limiter {
	burst = max(burst, 1)
	return &Limiter{
		lim: rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst),
		now: time.Now,
	}
}

// Allow reports whether the event may be emitted. When it may, suppressed
// is the number of events dropped since the previous admitted one.
func (l *Limiter) Allow() (ok bool, suppressed int) {
	if l == nil {
		return true, 0
	}
	if !l.lim.AllowN(l.now(), 1) {
		l.suppressed.Add(1)
		return false, 0
	}
	return true, int(l.suppressed.Swap(0))
}
