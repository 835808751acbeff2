package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/PabloGalante/parley/internal/adapters/quota"
	"github.com/PabloGalante/parley/internal/adapters/responder"
	"github.com/PabloGalante/parley/internal/adapters/storage/memory"
	"github.com/PabloGalante/parley/internal/app/session"
	"github.com/PabloGalante/parley/internal/domain"
	"github.com/PabloGalante/parley/internal/protocol"
)

// captor collects envelopes the mailbox delivers to its connection.
type captor struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
	ch   chan *protocol.Envelope
}

func newCaptor() *captor {
	return &captor{ch: make(chan *protocol.Envelope, 256)}
}

func (c *captor) Deliver(env *protocol.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	select {
	case c.ch <- env:
	default:
	}
}

func (c *captor) next(t *testing.T, typ protocol.Type) *protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.ch:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s envelope", typ)
		}
	}
}

func (c *captor) all() []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}

// countingResponder is an atomic responder that tracks invocations and
// concurrency, with optional latency and synthetic failures.
type countingResponder struct {
	mu          sync.Mutex
	delay       time.Duration
	failFirst   int
	calls       int
	inFlight    int
	maxInFlight int
}

func (r *countingResponder) GenerateReply(ctx context.Context, prompt string, convCtx domain.ConversationContext) (string, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.delay):
		}
	}
	if n <= r.failFirst {
		return "", fmt.Errorf("synthetic failure %d", n)
	}
	return "reply to " + prompt, nil
}

func (r *countingResponder) stats() (calls, maxInFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.maxInFlight
}

func newTestManager(t *testing.T, r domain.Responder, quotaCap int, tun session.Tuning) (*session.Manager, domain.SessionID) {
	t.Helper()

	mgr := session.NewManager(session.Deps{
		Responder: r,
		Quota:     quota.NewMemoryService(quotaCap),
		Sessions:  memory.NewSessionStore(),
		Messages:  memory.NewMessageStore(),
	}, tun)

	out, err := mgr.StartSession(context.Background(), session.StartSessionInput{
		UserID: domain.UserID("test-user"),
		Title:  "Test session",
	})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	return mgr, out.Session.ID
}

func attach(t *testing.T, mgr *session.Manager, id domain.SessionID) (*session.Mailbox, *captor) {
	t.Helper()
	mb, err := mgr.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get mailbox failed: %v", err)
	}
	out := newCaptor()
	mb.Attach(out)
	return mb, out
}

func userMsg(id domain.SessionID, clientMessageID, text string) *protocol.Envelope {
	return &protocol.Envelope{
		Type:            protocol.TypeUserMessage,
		SessionID:       string(id),
		ClientMessageID: clientMessageID,
		Content:         text,
		Timestamp:       protocol.UnixMS(time.Now()),
	}
}

func TestTurnStreamsWithOriginalClientID(t *testing.T) {
	mgr, id := newTestManager(t, responder.NewMock(), 0, session.Tuning{})
	mb, out := attach(t, mgr, id)

	if err := mb.Submit(userMsg(id, "m1", "hello")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ack := out.next(t, protocol.TypeAck)
	if ack.ClientMessageID != "m1" || ack.ServerMessageID == "" {
		t.Fatalf("bad ack: %+v", ack)
	}

	start := out.next(t, protocol.TypeStreamStart)
	if start.ClientMessageID != "m1" || start.CorrelationID == "" {
		t.Fatalf("bad stream_start: %+v", start)
	}

	end := out.next(t, protocol.TypeStreamEnd)
	if end.ClientMessageID != "m1" {
		t.Fatalf("stream_end must echo the client id, got %+v", end)
	}
	if end.CorrelationID != start.CorrelationID {
		t.Fatalf("stream_end correlation %q does not match start %q", end.CorrelationID, start.CorrelationID)
	}
	if end.ServerMessageID == "" {
		t.Fatalf("stream_end missing server message id")
	}

	var chunks int
	for _, env := range out.all() {
		if env.Type == protocol.TypeStreamChunk && env.CorrelationID == start.CorrelationID {
			chunks++
		}
	}
	if chunks == 0 {
		t.Fatalf("expected at least one stream chunk")
	}
}

func TestAtomicResponderEmitsSingleResponse(t *testing.T) {
	r := &countingResponder{}
	mgr, id := newTestManager(t, r, 0, session.Tuning{})
	mb, out := attach(t, mgr, id)

	if err := mb.Submit(userMsg(id, "m1", "hello")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	resp := out.next(t, protocol.TypeAIResponse)
	if resp.ClientMessageID != "m1" {
		t.Fatalf("response must echo the client id, got %q", resp.ClientMessageID)
	}
	if resp.Content != `reply to hello` {
		t.Fatalf("unexpected reply: %q", resp.Content)
	}
}

func TestDuplicateDeliveryProducesOneLogicalResponse(t *testing.T) {
	r := &countingResponder{}
	mgr, id := newTestManager(t, r, 0, session.Tuning{})
	mb, out := attach(t, mgr, id)

	if err := mb.Submit(userMsg(id, "m1", "hello")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	first := out.next(t, protocol.TypeAIResponse)

	// same client message id delivered again
	if err := mb.Submit(userMsg(id, "m1", "hello")); err != nil {
		t.Fatalf("duplicate Submit failed: %v", err)
	}
	second := out.next(t, protocol.TypeAIResponse)

	if calls, _ := r.stats(); calls != 1 {
		t.Fatalf("responder invoked %d times, want 1", calls)
	}
	if second.Content != first.Content || second.ServerMessageID != first.ServerMessageID {
		t.Fatalf("replay differs from original: %+v vs %+v", second, first)
	}
	if second.ClientMessageID != "m1" {
		t.Fatalf("replay must echo the client id")
	}
}

func TestQuotaDenialSkipsResponder(t *testing.T) {
	r := &countingResponder{}
	mgr, id := newTestManager(t, r, 1, session.Tuning{})
	mb, out := attach(t, mgr, id)

	if err := mb.Submit(userMsg(id, "m6", "first")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	out.next(t, protocol.TypeAIResponse)

	if err := mb.Submit(userMsg(id, "m7", "second")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	errEnv := out.next(t, protocol.TypeError)
	if errEnv.Error == nil || errEnv.Error.Kind != protocol.ErrKindQuota {
		t.Fatalf("expected quota-exceeded error, got %+v", errEnv)
	}
	if errEnv.CorrelationID != "m7" {
		t.Fatalf("quota error must correlate to m7, got %q", errEnv.CorrelationID)
	}
	if calls, _ := r.stats(); calls != 1 {
		t.Fatalf("responder invoked %d times, want 1", calls)
	}
}

func TestMailboxSerializesResponses(t *testing.T) {
	r := &countingResponder{delay: 50 * time.Millisecond}
	mgr, id := newTestManager(t, r, 0, session.Tuning{})
	mb, out := attach(t, mgr, id)

	for i := 1; i <= 3; i++ {
		if err := mb.Submit(userMsg(id, fmt.Sprintf("m%d", i), fmt.Sprintf("msg %d", i))); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		out.next(t, protocol.TypeAIResponse)
	}

	if _, maxInFlight := r.stats(); maxInFlight != 1 {
		t.Fatalf("responses overlapped: max in flight %d", maxInFlight)
	}

	var order []string
	for _, env := range out.all() {
		if env.Type == protocol.TypeAIResponse {
			order = append(order, env.ClientMessageID)
		}
	}
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("responses out of order: got %v", order)
		}
	}
}

func TestInboxBackpressure(t *testing.T) {
	r := &countingResponder{delay: 200 * time.Millisecond}
	mgr, id := newTestManager(t, r, 0, session.Tuning{InboxSize: 1})
	mb, _ := attach(t, mgr, id)

	// first message occupies the loop, second fills the inbox; keep
	// submitting until the bound pushes back
	var sawOverload bool
	for i := 1; i <= 4; i++ {
		err := mb.Submit(userMsg(id, fmt.Sprintf("m%d", i), "hi"))
		if errors.Is(err, domain.ErrOverloaded) {
			sawOverload = true
			break
		}
		if err != nil {
			t.Fatalf("unexpected Submit error: %v", err)
		}
	}
	if !sawOverload {
		t.Fatalf("expected ErrOverloaded from a full inbox")
	}
}

func TestResponderFailureKeepsMailboxUsable(t *testing.T) {
	r := &countingResponder{failFirst: 1}
	mgr, id := newTestManager(t, r, 0, session.Tuning{})
	mb, out := attach(t, mgr, id)

	if err := mb.Submit(userMsg(id, "m1", "first")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	errEnv := out.next(t, protocol.TypeError)
	if errEnv.Error == nil || errEnv.Error.Kind != protocol.ErrKindResponder {
		t.Fatalf("expected responder error, got %+v", errEnv)
	}
	if errEnv.ClientMessageID != "m1" {
		t.Fatalf("error must correlate to m1, got %q", errEnv.ClientMessageID)
	}

	if err := mb.Submit(userMsg(id, "m2", "second")); err != nil {
		t.Fatalf("Submit after failure: %v", err)
	}
	resp := out.next(t, protocol.TypeAIResponse)
	if resp.ClientMessageID != "m2" {
		t.Fatalf("mailbox did not recover, got %+v", resp)
	}
}

func TestCancelStopsInFlightStream(t *testing.T) {
	mgr, id := newTestManager(t, responder.NewMockWithDelay(30*time.Millisecond), 0, session.Tuning{})
	mb, out := attach(t, mgr, id)

	if err := mb.Submit(userMsg(id, "m1", "a longer message with several words to stream")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	start := out.next(t, protocol.TypeStreamStart)

	mb.CancelStream(start.CorrelationID)
	// cancelling an unknown correlation is a no-op
	mb.CancelStream("bogus")

	// the next turn proves the mailbox survived the cancellation
	if err := mb.Submit(userMsg(id, "m2", "next")); err != nil {
		t.Fatalf("Submit after cancel: %v", err)
	}
	out.next(t, protocol.TypeStreamEnd)

	for _, env := range out.all() {
		if env.Type == protocol.TypeStreamEnd && env.CorrelationID == start.CorrelationID {
			t.Fatalf("cancelled stream still completed")
		}
	}
}

func TestEndSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mgr, id := newTestManager(t, &countingResponder{}, 0, session.Tuning{})
	mb, out := attach(t, mgr, id)

	if err := mgr.EndSession(ctx, id); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	sysEnv := out.next(t, protocol.TypeSystem)
	if sysEnv.Meta[protocol.MetaEvent] != protocol.EventEnded {
		t.Fatalf("expected ended event, got %v", sysEnv.Meta)
	}

	if err := mb.Submit(userMsg(id, "m1", "late")); !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	// closing an already-ended session is a no-op
	if err := mgr.EndSession(ctx, id); err != nil {
		t.Fatalf("second EndSession should no-op, got %v", err)
	}
	if _, err := mgr.Get(ctx, id); !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded from Get, got %v", err)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	ctx := context.Background()
	mgr, id := newTestManager(t, &countingResponder{}, 0, session.Tuning{IdleTTL: 50 * time.Millisecond})
	mb, out := attach(t, mgr, id)

	time.Sleep(80 * time.Millisecond)
	if reaped := mgr.Sweep(ctx); reaped != 1 {
		t.Fatalf("expected 1 reaped session, got %d", reaped)
	}

	sysEnv := out.next(t, protocol.TypeSystem)
	if sysEnv.Meta[protocol.MetaEvent] != protocol.EventExpired {
		t.Fatalf("expected expired event, got %v", sysEnv.Meta)
	}
	if err := mb.Submit(userMsg(id, "m1", "late")); !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded after expiry, got %v", err)
	}
}

func TestSnapshotTracksSeqAndCount(t *testing.T) {
	mgr, id := newTestManager(t, &countingResponder{}, 0, session.Tuning{})
	mb, out := attach(t, mgr, id)

	if err := mb.Submit(userMsg(id, "m1", "hello")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	out.next(t, protocol.TypeAIResponse)

	snap := mb.Attach(out)
	if snap.MessageCount != 2 {
		t.Fatalf("expected 2 messages counted, got %d", snap.MessageCount)
	}
	if snap.LastSeq != 2 {
		t.Fatalf("expected last seq 2, got %d", snap.LastSeq)
	}
	if snap.Status != domain.SessionActive {
		t.Fatalf("expected active session, got %s", snap.Status)
	}
}
