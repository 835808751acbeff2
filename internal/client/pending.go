package client

import (
	"sync"
	"time"

	"github.com/PabloGalante/parley/internal/protocol"
)

type trackState int

const (
	trackWaiting trackState = iota
	trackTimedOut
)

type trackedMessage struct {
	envelope *protocol.Envelope
	sentAt   time.Time
	state    trackState
	timer    *time.Timer
}

// tracker watches every in-flight user message for a correlated
// response. A fired timeout is recoverable: the entry stays so a late
// response still matches and clears the timed-out state.
type tracker struct {
	mu        sync.Mutex
	timeout   time.Duration
	entries   map[string]*trackedMessage
	onTimeout func(clientMessageID string)
	closed    bool
}

func newTracker(timeout time.Duration, onTimeout func(clientMessageID string)) *tracker {
	return &tracker{
		timeout:   timeout,
		entries:   make(map[string]*trackedMessage),
		onTimeout: onTimeout,
	}
}

func (tr *tracker) track(env *protocol.Envelope, now time.Time) {
	id := env.ClientMessageID
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return
	}
	if old := tr.entries[id]; old != nil && old.timer != nil {
		old.timer.Stop()
	}
	e := &trackedMessage{envelope: env, sentAt: now}
	if tr.timeout > 0 {
		e.timer = time.AfterFunc(tr.timeout, func() { tr.fire(id) })
	}
	tr.entries[id] = e
	tr.mu.Unlock()
}

func (tr *tracker) fire(id string) {
	tr.mu.Lock()
	e := tr.entries[id]
	if e == nil || e.state != trackWaiting {
		tr.mu.Unlock()
		return
	}
	e.state = trackTimedOut
	cb := tr.onTimeout
	tr.mu.Unlock()
	if cb != nil {
		cb(id)
	}
}

// resolve matches a response to its message. late reports whether the
// timeout had already fired; known is false for identifiers this client
// never tracked (replayed history, other connections).
func (tr *tracker) resolve(id string) (late, known bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e := tr.entries[id]
	if e == nil {
		return false, false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	late = e.state == trackTimedOut
	delete(tr.entries, id)
	return late, true
}

// take removes an entry and hands back its envelope, so a rejected
// message can move to the failed list for a manual retry.
func (tr *tracker) take(id string) (*protocol.Envelope, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e := tr.entries[id]
	if e == nil {
		return nil, false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(tr.entries, id)
	return e.envelope, true
}

func (tr *tracker) pendingCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.entries)
}

func (tr *tracker) close() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.closed = true
	for id, e := range tr.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(tr.entries, id)
	}
}
