package client

import (
	"math"
	"math/rand"
	"time"
)

// Policy controls reconnect pacing: exponential delay with a cap and
// random jitter so a fleet of clients does not reconnect in lockstep.
type Policy struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Factor          float64
	Jitter          time.Duration
	MaxAttempts     int
	StabilityWindow time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 10
	}
	if p.StabilityWindow <= 0 {
		p.StabilityWindow = 60 * time.Second
	}
	return p
}

// backoff tracks the reconnect attempts of one client.
type backoff struct {
	policy      Policy
	attempt     int
	connectedAt time.Time
}

func newBackoff(p Policy) *backoff {
	return &backoff{policy: p.withDefaults()}
}

// next returns the delay before the following attempt, or false when
// the retry budget is spent.
func (b *backoff) next() (time.Duration, bool) {
	if b.attempt >= b.policy.MaxAttempts {
		return 0, false
	}
	delay := float64(b.policy.BaseDelay) * math.Pow(b.policy.Factor, float64(b.attempt))
	if maxd := float64(b.policy.MaxDelay); delay > maxd {
		delay = maxd
	}
	d := time.Duration(delay)
	if b.policy.Jitter > 0 {
		d += time.Duration(rand.Float64() * float64(b.policy.Jitter))
	}
	b.attempt++
	return d, true
}

// markConnected records a successful open.
func (b *backoff) markConnected(now time.Time) {
	b.connectedAt = now
}

// markClosed resets the attempt counter only when the connection stayed
// open past the stability window; a connection that dies right away
// keeps climbing the backoff curve.
func (b *backoff) markClosed(now time.Time) {
	if !b.connectedAt.IsZero() && now.Sub(b.connectedAt) >= b.policy.StabilityWindow {
		b.attempt = 0
	}
	b.connectedAt = time.Time{}
}

// reset clears all attempt state; used on a manual connect.
func (b *backoff) reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}

func (b *backoff) attempts() int { return b.attempt }
