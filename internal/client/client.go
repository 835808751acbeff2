// Package client is the connection-side SDK for a dialogue session. It
// owns one websocket per session and layers reconnection, liveness,
// ordered outbound queueing and stream reassembly on top of it, so the
// application only deals in messages and callbacks.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/PabloGalante/parley/internal/domain"
	"github.com/PabloGalante/parley/internal/observability"
	"github.com/PabloGalante/parley/internal/protocol"
)

// State is the connection lifecycle state. It is owned by the client;
// the application observes it through OnStateChange.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"

	// StateError means the retry budget is spent. The client stays in
	// this state until the application calls Connect again.
	StateError State = "error"
)

// ErrClosed is returned by operations on a client after Close.
var ErrClosed = errors.New("client is closed")

// Config carries the connection settings. Zero values fall back to the
// defaults noted per field.
type Config struct {
	ServerURL string // base URL, e.g. ws://localhost:8080
	SessionID string
	Token     string // bearer credential, sent as a query parameter

	HeartbeatInterval time.Duration // default 30s
	MessageTimeout    time.Duration // per-message response deadline, default 60s
	ConnectTimeout    time.Duration // handshake deadline, default 10s
	WriteTimeout      time.Duration // per-frame write deadline, default 10s
	QueueMaxRetries   int           // send attempts per message, default 3

	Backoff Policy

	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.QueueMaxRetries <= 0 {
		cfg.QueueMaxRetries = 3
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	return cfg
}

// Client is the session connection manager. All exported methods are
// safe for concurrent use; Send never blocks.
type Client struct {
	cfg Config
	d   *dispatcher
	log *slog.Logger
	now func() time.Time

	queue   *sendQueue
	tracker *tracker
	asm     *assembler
	hb      heartbeatState
	bo      *backoff

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connGen      int
	kick         chan struct{}
	ctrl         chan *protocol.Envelope
	stopWrite    chan struct{}
	lastSeq      int64
	sessionEnded bool
	manualClose  bool
	closed       bool

	done chan struct{}
}

// New builds a client for one session. Connect must be called before
// messages flow, though Send already queues while disconnected.
func New(cfg Config, cb Callbacks) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("client: server URL is required")
	}
	if cfg.SessionID == "" {
		return nil, errors.New("client: session id is required")
	}
	cfg = cfg.withDefaults()

	log := cfg.Logger
	if log == nil {
		// a fresh client id per instance keeps two clients on the same
		// session apart in the logs
		log = observability.WithClient(uuid.NewString(), cfg.SessionID)
	}

	c := &Client{
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		queue: newSendQueue(cfg.QueueMaxRetries),
		asm:   newAssembler(),
		bo:    newBackoff(cfg.Backoff),
		state: StateDisconnected,
		done:  make(chan struct{}),
	}
	c.d = &dispatcher{cb: cb, log: log}
	c.tracker = newTracker(cfg.MessageTimeout, func(id string) {
		c.log.Warn("response timed out, keeping the id for a late match", "client_message_id", id)
		c.d.timeout(id)
	})
	return c, nil
}

// ─────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────

// Connect dials the session endpoint and resolves once the transport
// is open. It fails with a ConnectionError after the handshake
// deadline. Calling Connect from the error state restarts with a fresh
// retry budget.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil || c.state == StateConnecting || c.state == StateReconnecting {
		// connected, or an attempt is already under way
		c.mu.Unlock()
		return nil
	}
	c.manualClose = false
	c.sessionEnded = false
	c.bo.reset()
	c.mu.Unlock()

	c.setState(StateConnecting)
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, err := c.dial(dctx)
	if err != nil {
		c.setState(StateDisconnected)
		return &domain.ConnectionError{Op: "dial", Err: err}
	}
	c.install(conn, false)
	return nil
}

// Disconnect closes deliberately and suppresses auto-reconnect. Queued
// messages survive and flush on the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	conn := c.conn
	gen := c.connGen
	c.mu.Unlock()

	if conn != nil {
		deadline := c.now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.teardown(gen)
	}
	c.setState(StateDisconnected)
}

// Close disconnects and releases all timers. The client cannot be
// reused afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.manualClose = true
	conn := c.conn
	gen := c.connGen
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		deadline := c.now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
	c.teardown(gen)
	c.tracker.close()
	c.setState(StateDisconnected)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the transport is open right now.
func (c *Client) IsConnected() bool { return c.State() == StateConnected }

// Latency returns the smoothed heartbeat round-trip time.
func (c *Client) Latency() time.Duration { return c.hb.latency() }

// SessionID returns the session this client is bound to.
func (c *Client) SessionID() string { return c.cfg.SessionID }

// ─────────────────────────────────────────────
// Sending
// ─────────────────────────────────────────────

// Send queues text for delivery and returns the assigned client
// message id. It never blocks: with no live connection the message
// waits in the queue and flushes on reconnect, in order.
func (c *Client) Send(text string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.sessionEnded {
		c.mu.Unlock()
		return "", domain.ErrSessionEnded
	}
	c.mu.Unlock()

	id := uuid.NewString()
	env := &protocol.Envelope{
		Type:            protocol.TypeUserMessage,
		SessionID:       c.cfg.SessionID,
		ClientMessageID: id,
		Content:         text,
		Timestamp:       protocol.UnixMS(c.now()),
	}
	c.queue.push(env, c.now())
	c.kickWriter()
	return id, nil
}

// Retry moves a failed message back into the queue for another round
// of attempts.
func (c *Client) Retry(clientMessageID string) error {
	if !c.queue.retry(clientMessageID) {
		return fmt.Errorf("retry %s: message is not on the failed list", clientMessageID)
	}
	c.kickWriter()
	return nil
}

// FailedMessages lists the messages the client has given up on.
func (c *Client) FailedMessages() []FailedMessage {
	items := c.queue.failedItems()
	out := make([]FailedMessage, 0, len(items))
	for _, item := range items {
		out = append(out, failedMessageOf(item))
	}
	return out
}

// QueuedCount returns how many messages are waiting to be sent.
func (c *Client) QueuedCount() int { return c.queue.pendingLen() }

// PendingCount returns how many sent messages still await a response.
func (c *Client) PendingCount() int { return c.tracker.pendingCount() }

func failedMessageOf(item *queueItem) FailedMessage {
	return FailedMessage{
		ClientMessageID: item.Envelope.ClientMessageID,
		Text:            item.Envelope.Content,
		Attempts:        item.Attempts,
		LastError:       item.LastError,
	}
}

// ─────────────────────────────────────────────
// Connection plumbing
// ─────────────────────────────────────────────

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint := fmt.Sprintf("%s/sessions/%s/ws",
		strings.TrimRight(c.cfg.ServerURL, "/"), c.cfg.SessionID)
	if c.cfg.Token != "" {
		endpoint += "?token=" + url.QueryEscape(c.cfg.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		// keep the URL (and the token riding on it) out of the error
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) install(conn *websocket.Conn, resync bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.connGen++
	gen := c.connGen
	c.conn = conn
	kick := make(chan struct{}, 1)
	ctrl := make(chan *protocol.Envelope, 8)
	stop := make(chan struct{})
	c.kick, c.ctrl, c.stopWrite = kick, ctrl, stop
	c.bo.markConnected(c.now())
	lastSeq := c.lastSeq
	c.mu.Unlock()

	c.hb.reset()

	// flip the state before the pumps start so no inbound event can
	// observe or report an older state
	c.setState(StateConnected)
	go c.readLoop(conn, gen)
	go c.writePump(conn, gen, kick, ctrl, stop)
	c.log.Info("connected", "resync", resync)

	if resync {
		c.sendCtrl(&protocol.Envelope{
			Type:      protocol.TypeSystem,
			SessionID: c.cfg.SessionID,
			Timestamp: protocol.UnixMS(c.now()),
			Meta: map[string]string{
				protocol.MetaRequest:  protocol.RequestSync,
				protocol.MetaAfterSeq: strconv.FormatInt(lastSeq, 10),
			},
		})
	}
	c.kickWriter()
}

// teardown closes the connection of generation gen and stops its write
// pump. It reports whether it acted; a stale generation is a no-op, so
// the read loop and write pump can both report the same failure safely.
func (c *Client) teardown(gen int) bool {
	c.mu.Lock()
	if gen != c.connGen || c.conn == nil {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.conn = nil
	close(c.stopWrite)
	c.stopWrite = nil
	c.kick = nil
	c.ctrl = nil
	c.bo.markClosed(c.now())
	c.mu.Unlock()

	conn.Close()
	c.asm.abortAll()
	c.hb.reset()
	return true
}

func (c *Client) connFailed(gen int, op string, err error) {
	if !c.teardown(gen) {
		return
	}
	c.mu.Lock()
	closed, manual, ended := c.closed, c.manualClose, c.sessionEnded
	c.mu.Unlock()

	switch {
	case closed || manual:
		c.setState(StateDisconnected)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure):
		// deliberate close from the server side, nothing to repair
		c.log.Info("connection closed by peer")
		c.setState(StateDisconnected)
	case ended:
		c.log.Info("session over, not reconnecting")
		c.setState(StateDisconnected)
	default:
		c.log.Warn("connection lost", "op", op, "error", err)
		c.d.failure(&domain.ConnectionError{Op: op, Err: err})
		go c.reconnect()
	}
}

func (c *Client) reconnect() {
	c.setState(StateReconnecting)
	for {
		c.mu.Lock()
		if c.closed || c.manualClose || c.sessionEnded {
			c.mu.Unlock()
			c.setState(StateDisconnected)
			return
		}
		delay, ok := c.bo.next()
		attempt := c.bo.attempts()
		c.mu.Unlock()

		if !ok {
			c.log.Error("reconnect attempts exhausted")
			c.setState(StateError)
			c.d.failure(domain.ErrRetriesExhausted)
			return
		}

		c.log.Info("reconnecting", "attempt", attempt, "delay", delay.String())
		select {
		case <-time.After(delay):
		case <-c.done:
			return
		}

		c.setState(StateConnecting)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			c.setState(StateReconnecting)
			continue
		}
		c.install(conn, true)
		return
	}
}

func (c *Client) kickWriter() {
	c.mu.Lock()
	kick := c.kick
	c.mu.Unlock()
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

// sendCtrl hands a frame straight to the write pump, bypassing the
// message queue. Control frames are best-effort: with no connection
// they are dropped, not queued.
func (c *Client) sendCtrl(env *protocol.Envelope) {
	c.mu.Lock()
	ctrl := c.ctrl
	c.mu.Unlock()
	if ctrl == nil {
		return
	}
	select {
	case ctrl <- env:
	default:
		c.log.Warn("control channel full, dropping frame", "type", env.Type)
	}
}

// ─────────────────────────────────────────────
// Pumps
// ─────────────────────────────────────────────

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connFailed(gen, "read", err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			// malformed frames are logged and dropped, the connection
			// stays up
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.handle(env)
	}
}

// writePump owns every write on the connection: queued messages,
// control frames and heartbeats all funnel through here, which also
// gives each frame its per-connection sequence number.
func (c *Client) writePump(conn *websocket.Conn, gen int, kick chan struct{}, ctrl chan *protocol.Envelope, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	var seq int64

	write := func(env *protocol.Envelope) error {
		seq++
		env.Seq = seq
		data, err := protocol.Encode(env)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	flush := func() error {
		var netErr error
		sent, exhausted := c.queue.flush(func(env *protocol.Envelope) error {
			// track before the frame leaves so a fast reply always finds
			// its id; an unwritten frame is untracked again
			c.tracker.track(env, c.now())
			if err := write(env); err != nil {
				c.tracker.take(env.ClientMessageID)
				netErr = err
				return err
			}
			return nil
		})
		for _, item := range sent {
			c.log.Debug("message sent", "client_message_id", item.Envelope.ClientMessageID, "attempt", item.Attempts)
		}
		for _, item := range exhausted {
			c.log.Warn("message moved to the failed list",
				"client_message_id", item.Envelope.ClientMessageID, "attempts", item.Attempts)
			c.d.sendFailed(failedMessageOf(item))
		}
		return netErr
	}

	for {
		select {
		case <-stop:
			return
		case env := <-ctrl:
			if err := write(env); err != nil {
				c.connFailed(gen, "write", err)
				return
			}
			if env.Type == protocol.TypeHeartbeat {
				c.hb.sent(env.ClientMessageID, c.now())
			}
		case <-kick:
			if err := flush(); err != nil {
				c.connFailed(gen, "write", err)
				return
			}
		case <-ticker.C:
			if c.hb.outstanding() {
				// previous beat unanswered by the time the next one is
				// due: the link is stale, force the reconnect path
				c.log.Warn("heartbeat unanswered, dropping connection")
				c.connFailed(gen, "heartbeat", errors.New("heartbeat timeout"))
				return
			}
			beat := &protocol.Envelope{
				Type:            protocol.TypeHeartbeat,
				SessionID:       c.cfg.SessionID,
				ClientMessageID: uuid.NewString(),
				Timestamp:       protocol.UnixMS(c.now()),
			}
			if err := write(beat); err != nil {
				c.connFailed(gen, "write", err)
				return
			}
			c.hb.sent(beat.ClientMessageID, c.now())
		}
	}
}

// ─────────────────────────────────────────────
// Inbound dispatch
// ─────────────────────────────────────────────

func (c *Client) handle(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		c.hb.ack(env.CorrelationID, c.now())

	case protocol.TypeAck:
		// receipt only: the response timer keeps running until the
		// actual reply lands
		c.noteSeq(metaSeq(env))
		c.log.Debug("message accepted",
			"client_message_id", env.ClientMessageID, "server_message_id", env.ServerMessageID)

	case protocol.TypeAIResponse:
		c.handleResponse(env)

	case protocol.TypeStreamStart:
		s := newStream(env.CorrelationID, env.ClientMessageID,
			c.d.streamChunk, c.finishStream, c.sendCancel)
		c.asm.add(s)
		c.d.streamStart(s)

	case protocol.TypeStreamChunk:
		s := c.asm.get(env.CorrelationID)
		if s == nil {
			c.log.Debug("chunk for unknown stream", "correlation_id", env.CorrelationID)
			return
		}
		if s.noteIndex(env.ChunkIndex) {
			c.log.Warn("gap in stream chunk indexes",
				"correlation_id", env.CorrelationID, "index", env.ChunkIndex)
		}
		s.feed(env.Content, env.ChunkIndex)

	case protocol.TypeStreamEnd:
		s := c.asm.get(env.CorrelationID)
		if s == nil {
			c.log.Warn("stream_end for unknown stream", "correlation_id", env.CorrelationID)
			c.tracker.resolve(env.ClientMessageID)
			return
		}
		s.end(env)

	case protocol.TypeError:
		c.handleError(env)

	case protocol.TypeSystem:
		c.handleSystem(env)

	default:
		c.log.Warn("unhandled envelope type", "type", env.Type)
	}
}

func (c *Client) handleResponse(env *protocol.Envelope) {
	seq := metaSeq(env)
	late, known := c.tracker.resolve(env.ClientMessageID)
	if !known && seq > 0 && seq <= c.lastSeen() {
		// replayed turn the application already has
		c.log.Debug("suppressing duplicate response", "client_message_id", env.ClientMessageID)
		return
	}
	c.noteSeq(seq)
	if late {
		c.log.Info("late response matched after timeout", "client_message_id", env.ClientMessageID)
	}
	c.d.response(Response{
		ClientMessageID: env.ClientMessageID,
		ServerMessageID: env.ServerMessageID,
		Text:            env.Content,
		Seq:             seq,
		Late:            late,
	})
}

// finishStream runs on the stream pump once the final chunk has been
// delivered.
func (c *Client) finishStream(s *Stream, final protocol.Envelope, text string) {
	c.asm.remove(s.correlationID)
	seq := metaSeq(&final)
	late, _ := c.tracker.resolve(final.ClientMessageID)
	c.noteSeq(seq)
	c.d.streamEnd(Response{
		ClientMessageID: final.ClientMessageID,
		ServerMessageID: final.ServerMessageID,
		Text:            text,
		Seq:             seq,
		Late:            late,
		Streamed:        true,
	})
}

func (c *Client) sendCancel(correlationID string) {
	c.sendCtrl(&protocol.Envelope{
		Type:          protocol.TypeCancelStream,
		SessionID:     c.cfg.SessionID,
		CorrelationID: correlationID,
		Timestamp:     protocol.UnixMS(c.now()),
	})
}

func (c *Client) handleError(env *protocol.Envelope) {
	if env.Error == nil {
		return
	}
	if env.CorrelationID != "" {
		if s := c.asm.get(env.CorrelationID); s != nil {
			s.abort()
			c.asm.remove(env.CorrelationID)
		}
	}
	serr := &ServerError{
		Kind:          env.Error.Kind,
		Message:       env.Error.Message,
		Retryable:     env.Error.Retryable,
		CorrelationID: env.CorrelationID,
	}
	c.log.Warn("server error",
		"kind", serr.Kind, "retryable", serr.Retryable, "client_message_id", env.ClientMessageID)

	switch {
	case serr.Kind == protocol.ErrKindSession:
		c.markEnded()
		c.d.failure(serr)
	case serr.Retryable && env.ClientMessageID != "":
		// hand the message back for a manual Retry
		if tracked, ok := c.tracker.take(env.ClientMessageID); ok {
			item := c.queue.fail(tracked, serr, c.now())
			c.d.sendFailed(failedMessageOf(item))
		}
		c.d.failure(serr)
	default:
		if env.ClientMessageID != "" {
			c.tracker.resolve(env.ClientMessageID)
		}
		c.d.failure(serr)
	}
}

func (c *Client) handleSystem(env *protocol.Envelope) {
	event := env.Meta[protocol.MetaEvent]
	switch event {
	case protocol.EventHello:
		if v, err := strconv.ParseInt(env.Meta[protocol.MetaLastSeq], 10, 64); err == nil {
			c.noteSeq(v)
		}
	case protocol.EventEnded, protocol.EventExpired:
		c.markEnded()
	}
	c.d.system(event, env.Meta)
}

func (c *Client) markEnded() {
	c.mu.Lock()
	c.sessionEnded = true
	c.mu.Unlock()
}

func (c *Client) noteSeq(seq int64) {
	if seq <= 0 {
		return
	}
	c.mu.Lock()
	if seq > c.lastSeq {
		c.lastSeq = seq
	}
	c.mu.Unlock()
}

func (c *Client) lastSeen() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	old := c.state
	c.state = s
	c.mu.Unlock()
	c.log.Debug("connection state changed", "from", old, "to", s)
	c.d.stateChange(s)
}

func metaSeq(env *protocol.Envelope) int64 {
	if env.Meta == nil {
		return 0
	}
	n, err := strconv.ParseInt(env.Meta[protocol.MetaSeq], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
