package session

import (
	"time"

	"golang.org/x/time/rate"
)

const defaultSendRateWindow = 10 * time.Second

// newSendLimiter bounds outbound sends of one session: a burst of events sends,
// regained evenly over window. It returns nil, meaning unlimited, when events is
// not positive.
func newSendLimiter(events int, window time.Duration) *rate.Limiter {
	if events <= 0 {
		return nil
	}
	if window <= 0 {
		window = defaultSendRateWindow
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(events)), events)
}

// allowSend consumes one send at now. Times come from the manager clock so tests
// can drive refills.
func (a *actor) allowSend(now time.Time) bool {
	return a.limiter == nil || a.limiter.AllowN(now, 1)
}
