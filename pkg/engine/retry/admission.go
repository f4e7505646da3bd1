package retry

import (
	"time"

	"golang.org/x/time/rate"
)

const minRetryAfter = 100 * time.Millisecond

// Admission is server-side overload protection shared by every session.
type Admission struct {
	limiter *rate.Limiter
}

// NewAdmission admits up to limit messages per second with the given burst.
// A non-positive limit disables admission control.
func NewAdmission(limit float64, burst int) *Admission {
	l := rate.Inf
	if limit > 0 {
		l = rate.Limit(limit)
	}
	return &Admission{limiter: rate.NewLimiter(l, max(burst, 1))}
}

// Admit reserves capacity for one message. When the bucket is empty the message is
// rejected with an Unavailable error whose retry delay is the time until a token is free.
func (a *Admission) Admit(now time.Time) *ServerError {
	res := a.limiter.ReserveN(now, 1)
	if !res.OK() {
		return NewUnavailableError("server overloaded", time.Second)
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	res.CancelAt(now)
	return NewUnavailableError("server overloaded", max(delay, minRetryAfter))
}
