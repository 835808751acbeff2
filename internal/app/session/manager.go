package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/PabloGalante/parley/internal/domain"
	"github.com/PabloGalante/parley/internal/observability"
)

// Manager owns the live mailboxes: one per session with traffic,
// spawned on demand and reaped by the expiry sweep. Mailboxes across
// sessions share nothing but this registry.
type Manager struct {
	deps Deps
	tun  Tuning
	now  func() time.Time
	log  *slog.Logger

	mu    sync.RWMutex
	boxes map[domain.SessionID]*Mailbox
}

func NewManager(deps Deps, tun Tuning) *Manager {
	if tun.InboxSize <= 0 {
		tun.InboxSize = 32
	}
	if tun.ContextBudget <= 0 {
		tun.ContextBudget = 4096
	}
	if tun.ResponderTimeout <= 0 {
		tun.ResponderTimeout = 2 * time.Minute
	}
	if tun.IdleTTL <= 0 {
		tun.IdleTTL = 24 * time.Hour
	}
	if tun.HistoryLimit <= 0 {
		tun.HistoryLimit = 50
	}
	return &Manager{
		deps:  deps,
		tun:   tun,
		now:   time.Now,
		log:   observability.WithFields("component", "session_manager"),
		boxes: make(map[domain.SessionID]*Mailbox),
	}
}

type StartSessionInput struct {
	UserID        domain.UserID
	Title         string
	ContextBudget int
}

type StartSessionOutput struct {
	Session *domain.Session
}

func (mgr *Manager) StartSession(ctx context.Context, in StartSessionInput) (*StartSessionOutput, error) {
	now := mgr.now()

	log := observability.LoggerFromContext(ctx).With("user_id", in.UserID)
	log.Info("starting new session")

	session := &domain.Session{
		ID:             newSessionID(),
		UserID:         in.UserID,
		Status:         domain.SessionActive,
		Title:          in.Title,
		CreatedAt:      now,
		LastActivityAt: now,
		ContextBudget:  in.ContextBudget,
	}

	if err := mgr.deps.Sessions.CreateSession(session); err != nil {
		log.Error("failed to create session", "error", err)
		return nil, err
	}

	log.Info("session started", "session_id", session.ID)

	return &StartSessionOutput{Session: session}, nil
}

// Get returns the live mailbox for a session, spawning one on first
// use. Ended and expired sessions are not revived.
func (mgr *Manager) Get(ctx context.Context, id domain.SessionID) (*Mailbox, error) {
	mgr.mu.RLock()
	mb := mgr.boxes[id]
	mgr.mu.RUnlock()
	if mb != nil {
		return mb, nil
	}

	sess, err := mgr.deps.Sessions.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.SessionActive {
		return nil, domain.ErrSessionEnded
	}
	if mgr.now().Sub(sess.LastActivityAt) > mgr.tun.IdleTTL {
		// cold session past the idle TTL: expire it lazily
		sess.Status = domain.SessionExpired
		if err := mgr.deps.Sessions.UpdateSession(sess); err != nil {
			mgr.log.Error("failed to expire session", "session_id", id, "error", err)
		}
		return nil, domain.ErrSessionEnded
	}

	history, err := mgr.deps.Messages.GetMessagesBySession(id, mgr.tun.HistoryLimit)
	if err != nil {
		return nil, err
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mb := mgr.boxes[id]; mb != nil {
		return mb, nil
	}
	mb = newMailbox(sess, history, mgr.deps, mgr.tun, mgr.now)
	mgr.boxes[id] = mb
	mgr.log.Info("mailbox spawned", "session_id", id, "history_len", len(history))
	return mb, nil
}

// EndSession closes a session deliberately. Ending an already-ended
// session is a no-op.
func (mgr *Manager) EndSession(ctx context.Context, id domain.SessionID) error {
	ctx = observability.WithSessionID(ctx, string(id))
	sess, err := mgr.deps.Sessions.GetSession(id)
	if err != nil {
		return err
	}
	if sess.Status == domain.SessionActive {
		sess.Status = domain.SessionEnded
		if err := mgr.deps.Sessions.UpdateSession(sess); err != nil {
			return err
		}
	}

	mgr.mu.Lock()
	mb := mgr.boxes[id]
	delete(mgr.boxes, id)
	mgr.mu.Unlock()
	if mb != nil {
		mb.Close(ReasonEnded)
	}

	observability.LoggerFromContext(ctx).Info("session ended")
	return nil
}

// Sweep expires live mailboxes idle past the TTL and reports how many
// were reaped.
func (mgr *Manager) Sweep(ctx context.Context) int {
	cutoff := mgr.now().Add(-mgr.tun.IdleTTL)

	mgr.mu.Lock()
	var stale []*Mailbox
	for id, mb := range mgr.boxes {
		if mb.LastActivity().Before(cutoff) {
			stale = append(stale, mb)
			delete(mgr.boxes, id)
		}
	}
	mgr.mu.Unlock()

	for _, mb := range stale {
		sess, err := mgr.deps.Sessions.GetSession(mb.SessionID())
		if err == nil && sess.Status == domain.SessionActive {
			sess.Status = domain.SessionExpired
			if err := mgr.deps.Sessions.UpdateSession(sess); err != nil {
				mgr.log.Error("failed to mark session expired", "session_id", sess.ID, "error", err)
			}
		}
		mb.Close(ReasonExpired)
	}

	if len(stale) > 0 {
		mgr.log.Info("expired idle sessions", "count", len(stale))
	}
	return len(stale)
}

// RunSweeper expires idle sessions on an interval until ctx is done.
func (mgr *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Sweep(ctx)
		}
	}
}

// CloseAll tears every live mailbox down; used on server shutdown.
func (mgr *Manager) CloseAll() {
	mgr.mu.Lock()
	boxes := mgr.boxes
	mgr.boxes = make(map[domain.SessionID]*Mailbox)
	mgr.mu.Unlock()
	for _, mb := range boxes {
		mb.Close(ReasonEnded)
	}
}
