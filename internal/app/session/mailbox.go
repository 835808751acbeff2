package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PabloGalante/parley/internal/domain"
	"github.com/PabloGalante/parley/internal/observability"
	"github.com/PabloGalante/parley/internal/protocol"
)

// Outbound delivers envelopes to the attached client connection.
// Deliver must not block; implementations drop on a saturated link and
// rely on resync to recover what was persisted.
type Outbound interface {
	Deliver(env *protocol.Envelope)
}

// Phase is the mailbox's position in the message cycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseReceiving  Phase = "receiving"
	PhaseResponding Phase = "responding"
	PhaseClosed     Phase = "closed"
)

// Close reasons, carried as the system envelope event.
const (
	ReasonEnded   = protocol.EventEnded
	ReasonExpired = protocol.EventExpired
)

// turnRecord remembers a fully processed user message so a duplicate
// delivery replays the recorded outcome instead of invoking the
// responder again.
type turnRecord struct {
	clientMessageID string
	userServerID    domain.MessageID
	userSeq         int64
	replyServerID   domain.MessageID
	replySeq        int64
	replyText       string
}

// processedLimit bounds the replay memory per mailbox.
const processedLimit = 128

// Deps are the collaborators every mailbox needs.
type Deps struct {
	Responder domain.Responder
	Quota     domain.QuotaService
	Sessions  domain.SessionStore
	Messages  domain.MessageStore
}

// Tuning holds the server-side knobs shared by all mailboxes.
type Tuning struct {
	InboxSize        int
	ContextBudget    int
	ResponderTimeout time.Duration
	IdleTTL          time.Duration
	HistoryLimit     int
}

// Mailbox is the sole authority over one session's mutable state. A
// single goroutine consumes the inbox, so at most one response is in
// flight per session by construction.
type Mailbox struct {
	sessionID domain.SessionID
	deps      Deps
	now       func() time.Time
	log       *slog.Logger

	contextBudget    int
	responderTimeout time.Duration

	inbox chan *protocol.Envelope
	done  chan struct{}

	window *Window // run-goroutine only

	mu             sync.Mutex
	session        *domain.Session
	phase          Phase
	out            Outbound
	nextSeq        int64
	processed      map[string]*turnRecord
	order          []string
	inFlightCorr   string
	cancelInFlight context.CancelFunc

	closeOnce sync.Once
}

func newMailbox(sess *domain.Session, history []*domain.Message, deps Deps, tun Tuning, now func() time.Time) *Mailbox {
	budget := sess.ContextBudget
	if budget <= 0 {
		budget = tun.ContextBudget
	}

	m := &Mailbox{
		sessionID:        sess.ID,
		deps:             deps,
		now:              now,
		log:              observability.WithSession(string(sess.ID)),
		contextBudget:    budget,
		responderTimeout: tun.ResponderTimeout,
		inbox:            make(chan *protocol.Envelope, tun.InboxSize),
		done:             make(chan struct{}),
		window:           NewWindow(),
		session:          sess,
		phase:            PhaseIdle,
		processed:        make(map[string]*turnRecord),
	}
	m.window.Load(history)
	m.window.Trim(budget)
	if n := len(history); n > 0 {
		m.nextSeq = history[n-1].Seq
	}

	go m.run()
	return m
}

// Submit hands a user message to the mailbox. It never blocks: a full
// inbox is a backpressure signal surfaced as ErrOverloaded, a closed
// mailbox as ErrSessionEnded.
func (m *Mailbox) Submit(env *protocol.Envelope) error {
	select {
	case <-m.done:
		return domain.ErrSessionEnded
	default:
	}
	select {
	case m.inbox <- env:
		return nil
	case <-m.done:
		return domain.ErrSessionEnded
	default:
		return domain.ErrOverloaded
	}
}

// CancelStream aborts the in-flight response when the correlation id
// matches. Safe from any goroutine; unknown or already-finished
// correlations no-op.
func (m *Mailbox) CancelStream(correlationID string) {
	m.mu.Lock()
	var cancel context.CancelFunc
	if m.inFlightCorr == correlationID && m.cancelInFlight != nil {
		cancel = m.cancelInFlight
	}
	m.mu.Unlock()
	if cancel != nil {
		m.log.Info("cancelling in-flight response", "correlation_id", correlationID)
		cancel()
	}
}

// Snapshot is the session state sent in the hello envelope.
type Snapshot struct {
	Status       domain.SessionStatus
	Title        string
	MessageCount int
	LastSeq      int64
}

// Attach binds the live client connection and returns the state for the
// hello envelope. A second attach replaces the first; the old
// connection keeps draining until its transport closes.
func (m *Mailbox) Attach(out Outbound) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = out
	return Snapshot{
		Status:       m.session.Status,
		Title:        m.session.Title,
		MessageCount: m.session.MessageCount,
		LastSeq:      m.nextSeq,
	}
}

// Detach unbinds a connection; a newer attachment stays.
func (m *Mailbox) Detach(out Outbound) {
	m.mu.Lock()
	if m.out == out {
		m.out = nil
	}
	m.mu.Unlock()
}

func (m *Mailbox) SessionID() domain.SessionID { return m.sessionID }

func (m *Mailbox) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// LastActivity reports when the session last accepted a message.
func (m *Mailbox) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.LastActivityAt
}

// Close ends the mailbox; reason becomes the system envelope event
// (ended or expired). Closing twice, or closing an already-ended
// session, is a no-op.
func (m *Mailbox) Close(reason string) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.phase = PhaseClosed
		cancel := m.cancelInFlight
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.deliver(&protocol.Envelope{
			Type:      protocol.TypeSystem,
			SessionID: string(m.sessionID),
			Timestamp: protocol.UnixMS(m.now()),
			Meta:      map[string]string{protocol.MetaEvent: reason},
		})
		close(m.done)
		m.log.Info("mailbox closed", "reason", reason)
	})
}

// ─────────────────────────────────────────────
// Inbox loop
// ─────────────────────────────────────────────

func (m *Mailbox) run() {
	for {
		select {
		case <-m.done:
			m.rejectPending()
			return
		case env := <-m.inbox:
			m.processTurn(env)
		}
	}
}

// rejectPending answers whatever is still queued at close time; the
// inbox never drops a message silently.
func (m *Mailbox) rejectPending() {
	for {
		select {
		case env := <-m.inbox:
			m.deliver(m.errorEnvelope(protocol.ErrKindSession, "session closed", false, env.ClientMessageID))
		default:
			return
		}
	}
}

func (m *Mailbox) processTurn(env *protocol.Envelope) {
	if env.Type != protocol.TypeUserMessage {
		m.log.Warn("unexpected envelope in inbox", "type", env.Type)
		return
	}

	log := m.log.With("client_message_id", env.ClientMessageID)
	start := m.now()

	m.setPhase(PhaseReceiving)
	defer m.setPhase(PhaseIdle)

	// Idempotent replay: the responder runs at most once per client
	// message id, however many times the message is delivered.
	if rec := m.recorded(env.ClientMessageID); rec != nil {
		log.Info("duplicate user message, replaying recorded turn")
		m.replay(rec)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.responderTimeout)
	defer cancel()

	if err := m.deps.Quota.Allow(ctx, m.sessionID); err != nil {
		var qerr *domain.QuotaExceededError
		if errors.As(err, &qerr) {
			log.Warn("quota denied")
			m.deliver(m.errorEnvelope(protocol.ErrKindQuota, "message quota exceeded", false, env.ClientMessageID))
		} else {
			log.Error("quota check failed", "error", err)
			m.deliver(m.errorEnvelope(protocol.ErrKindInternal, "could not verify quota", true, env.ClientMessageID))
		}
		return
	}

	now := m.now()
	userMsg := &domain.Message{
		ID:              newMessageID(),
		SessionID:       m.sessionID,
		Author:          domain.RoleUser,
		Text:            env.Content,
		CreatedAt:       now,
		Seq:             m.claimSeq(),
		ClientMessageID: env.ClientMessageID,
		Tokens:          domain.EstimateTokens(env.Content),
	}
	if err := m.deps.Messages.AppendMessage(userMsg); err != nil {
		log.Error("failed to append user message", "error", err)
		m.deliver(m.errorEnvelope(protocol.ErrKindInternal, "could not record message", true, env.ClientMessageID))
		return
	}

	// The prompt carries the new message; the history handed to the
	// responder stops just before it.
	history := m.window.History()
	m.window.Append(userMsg)
	if dropped := m.window.Trim(m.contextBudget); dropped > 0 {
		log.Debug("context window trimmed", "dropped", dropped, "window_tokens", m.window.Tokens())
	}

	m.updateSession(func(s *domain.Session) {
		s.MessageCount++
		s.LastActivityAt = now
		s.Usage.Prompt += userMsg.Tokens
	})

	m.deliver(&protocol.Envelope{
		Type:            protocol.TypeAck,
		SessionID:       string(m.sessionID),
		ClientMessageID: env.ClientMessageID,
		ServerMessageID: string(userMsg.ID),
		Timestamp:       protocol.UnixMS(now),
		Meta:            map[string]string{protocol.MetaSeq: strconv.FormatInt(userMsg.Seq, 10)},
	})

	m.setPhase(PhaseResponding)
	sess := m.sessionSnapshot()
	convCtx := domain.ConversationContext{
		SessionID: m.sessionID,
		UserID:    sess.UserID,
		Title:     sess.Title,
		History:   history,
	}

	text, corr, err := m.dispatch(ctx, cancel, env.ClientMessageID, env.Content, convCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("response cancelled", "elapsed_ms", time.Since(start).Milliseconds())
			return
		}
		log.Error("responder failed", "error", err)
		errEnv := m.errorEnvelope(protocol.ErrKindResponder, "responder failed", true, env.ClientMessageID)
		if corr != "" {
			// point the assembler at the aborted stream so it can
			// release its buffer
			errEnv.CorrelationID = corr
		}
		m.deliver(errEnv)
		return
	}

	replyMsg := &domain.Message{
		ID:              newMessageID(),
		SessionID:       m.sessionID,
		Author:          domain.RoleAssistant,
		Text:            text,
		CreatedAt:       m.now(),
		Seq:             m.claimSeq(),
		ClientMessageID: env.ClientMessageID,
		Tokens:          domain.EstimateTokens(text),
	}
	if err := m.deps.Messages.AppendMessage(replyMsg); err != nil {
		log.Error("failed to append assistant message", "error", err)
	}
	m.window.Append(replyMsg)
	m.window.Trim(m.contextBudget)

	m.updateSession(func(s *domain.Session) {
		s.MessageCount++
		s.LastActivityAt = replyMsg.CreatedAt
		s.Usage.Reply += replyMsg.Tokens
	})

	seqMeta := map[string]string{protocol.MetaSeq: strconv.FormatInt(replyMsg.Seq, 10)}
	if corr != "" {
		m.deliver(&protocol.Envelope{
			Type:            protocol.TypeStreamEnd,
			SessionID:       string(m.sessionID),
			ClientMessageID: env.ClientMessageID,
			ServerMessageID: string(replyMsg.ID),
			CorrelationID:   corr,
			Timestamp:       protocol.UnixMS(replyMsg.CreatedAt),
			Meta:            seqMeta,
		})
	} else {
		m.deliver(&protocol.Envelope{
			Type:            protocol.TypeAIResponse,
			SessionID:       string(m.sessionID),
			ClientMessageID: env.ClientMessageID,
			ServerMessageID: string(replyMsg.ID),
			Content:         text,
			Timestamp:       protocol.UnixMS(replyMsg.CreatedAt),
			Meta:            seqMeta,
		})
	}

	if err := m.deps.Quota.Consume(ctx, m.sessionID, 1); err != nil {
		log.Error("failed to report quota consumption", "error", err)
	}

	m.record(&turnRecord{
		clientMessageID: env.ClientMessageID,
		userServerID:    userMsg.ID,
		userSeq:         userMsg.Seq,
		replyServerID:   replyMsg.ID,
		replySeq:        replyMsg.Seq,
		replyText:       text,
	})

	log.Info("turn completed",
		"server_message_id", replyMsg.ID,
		"streamed", corr != "",
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}

// dispatch invokes the responder. Streaming responders emit
// stream_start and chunks here; the caller persists the reply and emits
// the closing envelope. Returns the full reply text and, for streamed
// replies, the stream correlation id.
func (m *Mailbox) dispatch(ctx context.Context, cancel context.CancelFunc, clientMessageID, prompt string, convCtx domain.ConversationContext) (string, string, error) {
	sr, streaming := m.deps.Responder.(domain.StreamingResponder)
	if !streaming {
		m.armCancel(clientMessageID, cancel)
		defer m.disarmCancel()
		text, err := m.deps.Responder.GenerateReply(ctx, prompt, convCtx)
		return text, "", err
	}

	corr := string(newMessageID())
	m.armCancel(corr, cancel)
	defer m.disarmCancel()

	m.deliver(&protocol.Envelope{
		Type:            protocol.TypeStreamStart,
		SessionID:       string(m.sessionID),
		ClientMessageID: clientMessageID,
		CorrelationID:   corr,
		Timestamp:       protocol.UnixMS(m.now()),
	})

	var b strings.Builder
	idx := 0
	err := sr.StreamReply(ctx, prompt, convCtx, func(chunk string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx++
		b.WriteString(chunk)
		m.deliver(&protocol.Envelope{
			Type:          protocol.TypeStreamChunk,
			SessionID:     string(m.sessionID),
			CorrelationID: corr,
			ChunkIndex:    idx,
			Content:       chunk,
			Timestamp:     protocol.UnixMS(m.now()),
		})
		return nil
	})
	if err != nil {
		return "", corr, err
	}
	return b.String(), corr, nil
}

// ─────────────────────────────────────────────
// State helpers
// ─────────────────────────────────────────────

func (m *Mailbox) setPhase(p Phase) {
	m.mu.Lock()
	if m.phase != PhaseClosed {
		m.phase = p
	}
	m.mu.Unlock()
}

func (m *Mailbox) claimSeq() int64 {
	m.mu.Lock()
	m.nextSeq++
	seq := m.nextSeq
	m.mu.Unlock()
	return seq
}

func (m *Mailbox) sessionSnapshot() domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.session
}

func (m *Mailbox) updateSession(mutate func(*domain.Session)) {
	m.mu.Lock()
	mutate(m.session)
	snap := *m.session
	m.mu.Unlock()
	if err := m.deps.Sessions.UpdateSession(&snap); err != nil {
		m.log.Error("failed to update session", "error", err)
	}
}

func (m *Mailbox) armCancel(corr string, cancel context.CancelFunc) {
	m.mu.Lock()
	m.inFlightCorr = corr
	m.cancelInFlight = cancel
	m.mu.Unlock()
}

func (m *Mailbox) disarmCancel() {
	m.mu.Lock()
	m.inFlightCorr = ""
	m.cancelInFlight = nil
	m.mu.Unlock()
}

func (m *Mailbox) recorded(clientMessageID string) *turnRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[clientMessageID]
}

func (m *Mailbox) record(rec *turnRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[rec.clientMessageID]; !ok {
		m.order = append(m.order, rec.clientMessageID)
	}
	m.processed[rec.clientMessageID] = rec
	for len(m.order) > processedLimit {
		delete(m.processed, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *Mailbox) replay(rec *turnRecord) {
	now := protocol.UnixMS(m.now())
	m.deliver(&protocol.Envelope{
		Type:            protocol.TypeAck,
		SessionID:       string(m.sessionID),
		ClientMessageID: rec.clientMessageID,
		ServerMessageID: string(rec.userServerID),
		Timestamp:       now,
		Meta:            map[string]string{protocol.MetaSeq: strconv.FormatInt(rec.userSeq, 10)},
	})
	m.deliver(&protocol.Envelope{
		Type:            protocol.TypeAIResponse,
		SessionID:       string(m.sessionID),
		ClientMessageID: rec.clientMessageID,
		ServerMessageID: string(rec.replyServerID),
		Content:         rec.replyText,
		Timestamp:       now,
		Meta:            map[string]string{protocol.MetaSeq: strconv.FormatInt(rec.replySeq, 10)},
	})
}

func (m *Mailbox) deliver(env *protocol.Envelope) {
	m.mu.Lock()
	out := m.out
	m.mu.Unlock()
	if out == nil {
		m.log.Debug("no client attached, dropping envelope", "type", env.Type)
		return
	}
	out.Deliver(env)
}

func (m *Mailbox) errorEnvelope(kind, msg string, retryable bool, clientMessageID string) *protocol.Envelope {
	return &protocol.Envelope{
		Type:            protocol.TypeError,
		SessionID:       string(m.sessionID),
		ClientMessageID: clientMessageID,
		CorrelationID:   clientMessageID,
		Timestamp:       protocol.UnixMS(m.now()),
		Error:           &protocol.ErrorBody{Kind: kind, Message: msg, Retryable: retryable},
	}
}
