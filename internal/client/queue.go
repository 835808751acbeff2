package client

import (
	"sync"
	"time"

	"github.com/PabloGalante/parley/internal/protocol"
)

type queueItem struct {
	Envelope   *protocol.Envelope
	Attempts   int
	EnqueuedAt time.Time
	LastError  error
}

// sendQueue buffers outbound user messages. Messages wait here while
// the connection is down and drain in order once the writer can send.
type sendQueue struct {
	mu          sync.Mutex
	pending     []*queueItem
	failed      []*queueItem
	maxAttempts int
}

func newSendQueue(maxAttempts int) *sendQueue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &sendQueue{maxAttempts: maxAttempts}
}

func (q *sendQueue) push(env *protocol.Envelope, now time.Time) *queueItem {
	item := &queueItem{Envelope: env, EnqueuedAt: now}
	q.mu.Lock()
	q.pending = append(q.pending, item)
	q.mu.Unlock()
	return item
}

// flush drains pending items in order through send. It stops at the
// first failure so ordering holds: the failed item keeps its place at
// the head unless its attempts are spent, in which case it moves to
// the failed list and comes back only through Retry.
func (q *sendQueue) flush(send func(*protocol.Envelope) error) (sent, exhausted []*queueItem) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return sent, exhausted
		}
		item := q.pending[0]
		item.Attempts++
		q.mu.Unlock()

		err := send(item.Envelope)

		q.mu.Lock()
		if err == nil {
			q.pending = q.pending[1:]
			q.mu.Unlock()
			sent = append(sent, item)
			continue
		}
		item.LastError = err
		if item.Attempts >= q.maxAttempts {
			q.pending = q.pending[1:]
			q.failed = append(q.failed, item)
			exhausted = append(exhausted, item)
		}
		q.mu.Unlock()
		return sent, exhausted
	}
}

// fail records a message the server rejected after delivery, so the
// caller can resend it with Retry.
func (q *sendQueue) fail(env *protocol.Envelope, err error, now time.Time) *queueItem {
	item := &queueItem{Envelope: env, Attempts: 1, EnqueuedAt: now, LastError: err}
	q.mu.Lock()
	q.failed = append(q.failed, item)
	q.mu.Unlock()
	return item
}

// retry moves a failed message back to the pending tail with a fresh
// attempt budget. It reports whether the identifier was found.
func (q *sendQueue) retry(clientMessageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.failed {
		if item.Envelope.ClientMessageID != clientMessageID {
			continue
		}
		q.failed = append(q.failed[:i], q.failed[i+1:]...)
		item.Attempts = 0
		item.LastError = nil
		q.pending = append(q.pending, item)
		return true
	}
	return false
}

func (q *sendQueue) failedItems() []*queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*queueItem, len(q.failed))
	copy(out, q.failed)
	return out
}

func (q *sendQueue) pendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
