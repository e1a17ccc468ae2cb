// Package ratelimit paces packet generators and bounds diagnostics emitted
// from hot paths.
package ratelimit

import (
	"context"
	"time"
)

// Throttle paces a generator to a packet rate. Time is only consulted every
// few packets, so pacing is accurate on average rather than per packet.
// A generator that falls behind is not slowed down until it is back on
// schedule. Not safe for concurrent use. A nil Throttle never waits.
type Throttle struct {
	perPacket time.Duration
	granule   uint64
	start     time.Time
	admitted  uint64
	pending   uint64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewThrottle returns nil when pps is 0.
func NewThrottle(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	return &Throttle{
		perPacket: time.Second / time.Duration(pps),
		// Roughly one clock read per 10ms worth of packets.
		granule: min(max(pps/100, 32), 1024),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Wait accounts for n more packets and blocks while they are ahead of
// schedule. It returns ctx.Err() when canceled while blocked.
func (t *Throttle) Wait(ctx context.Context, n uint64) error {
	if t == nil || n == 0 {
		return nil
	}
	if t.start.IsZero() {
		t.start = t.now()
	}
	t.pending += n
	if t.pending < t.granule {
		return nil
	}
	t.admitted += t.pending
	t.pending = 0

	due := t.start.Add(time.Duration(t.admitted) * t.perPacket)
	if d := due.Sub(t.now()); d > 0 {
		return t.sleep(ctx, d)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-tm.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
