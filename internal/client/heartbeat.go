package client

import (
	"sync"
	"time"
)

// heartbeatState tracks the single outstanding heartbeat and the
// smoothed round-trip latency. The liveness rule is simple: if the
// previous beat is still unacknowledged when the next one is due, the
// connection is stale.
type heartbeatState struct {
	mu        sync.Mutex
	pendingID string
	sentAt    time.Time
	ema       time.Duration
}

// sent records a beat going out.
func (h *heartbeatState) sent(id string, at time.Time) {
	h.mu.Lock()
	h.pendingID = id
	h.sentAt = at
	h.mu.Unlock()
}

// ack matches an echo to the outstanding beat and folds the round trip
// into the moving average. Unknown correlations are ignored.
func (h *heartbeatState) ack(correlationID string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if correlationID != h.pendingID || h.pendingID == "" {
		return
	}
	rtt := at.Sub(h.sentAt)
	if rtt < 0 {
		rtt = 0
	}
	if h.ema == 0 {
		h.ema = rtt
	} else {
		h.ema = time.Duration(0.7*float64(h.ema) + 0.3*float64(rtt))
	}
	h.pendingID = ""
}

// outstanding reports whether a beat is still waiting for its echo.
func (h *heartbeatState) outstanding() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pendingID != ""
}

// reset clears the outstanding beat; called on every new connection so
// a beat lost to the old transport cannot mark the new one stale.
func (h *heartbeatState) reset() {
	h.mu.Lock()
	h.pendingID = ""
	h.mu.Unlock()
}

// latency returns the smoothed round-trip time (zero until the first
// echo).
func (h *heartbeatState) latency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ema
}
