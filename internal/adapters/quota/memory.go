// Package quota ships the in-memory quota collaborator. Real billing
// lives behind the same port elsewhere.
package quota

import (
	"context"
	"sync"

	"github.com/PabloGalante/parley/internal/domain"
)

// MemoryService enforces a per-session message cap. Cap 0 means
// unlimited; denials surface as QuotaExceededError.
type MemoryService struct {
	mu   sync.Mutex
	cap  int
	used map[domain.SessionID]int
}

func NewMemoryService(perSessionCap int) *MemoryService {
	return &MemoryService{
		cap:  perSessionCap,
		used: make(map[domain.SessionID]int),
	}
}

func (q *MemoryService) Allow(ctx context.Context, sessionID domain.SessionID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cap > 0 && q.used[sessionID] >= q.cap {
		return &domain.QuotaExceededError{SessionID: sessionID}
	}
	return nil
}

func (q *MemoryService) Consume(ctx context.Context, sessionID domain.SessionID, units int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.used[sessionID] += units
	return nil
}

// Used reports the units consumed so far by one session.
func (q *MemoryService) Used(sessionID domain.SessionID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[sessionID]
}
