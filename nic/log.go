package nic

import (
	"github.com/sirupsen/logrus"

	"github.com/romshark/ionic-go/ratelimit"
)

// warner emits data path warnings through a shared burst limiter so a storm
// of failures neither floods the log nor stalls polling.
type warner struct {
	l       *logrus.Entry
	limiter *ratelimit.Limiter
}

func newWarner(l *logrus.Logger, q QueueType, index int) warner {
	return warner{
		l: l.WithFields(logrus.Fields{
			"queue": q.String(),
			"index": index,
		}),
		limiter: ratelimit.NewLimiter(ratelimit.DefaultBurst, ratelimit.DefaultInterval),
	}
}

func (w warner) warn(fields logrus.Fields, msg string) {
	ok, suppressed := w.limiter.Allow()
	if !ok {
		return
	}
	e := w.l
	if suppressed > 0 {
		e = e.WithField("suppressed", suppressed)
	}
	e.WithFields(fields).Warn(msg)
}
