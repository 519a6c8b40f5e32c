// ABOUTME: Reconnect policy: capped exponential backoff with an attempt ceiling
// ABOUTME: Also carries the dial timeout applied to every connection attempt

package connection

import "time"

// Policy controls reconnection after an abnormal closure.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	DialTimeout time.Duration
}

// DefaultPolicy returns the standard reconnect policy: 1s doubling to 30s,
// five attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
		DialTimeout: 10 * time.Second,
	}
}

// Delay returns the wait before reconnect attempt number attempt (zero based):
// min(BaseDelay * 2^attempt, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for range attempt {
		if d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	return min(d, p.MaxDelay)
}
