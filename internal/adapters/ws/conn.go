package ws

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PabloGalante/parley/internal/app/session"
	"github.com/PabloGalante/parley/internal/app/transcript"
	"github.com/PabloGalante/parley/internal/domain"
	"github.com/PabloGalante/parley/internal/protocol"
)

const (
	// outboundBuffer is how many envelopes a connection may have in
	// flight before Deliver starts dropping. Dropped frames are not
	// lost: everything durable is persisted and replayed on resync.
	outboundBuffer = 256

	writeWait = 10 * time.Second
)

// conn is one live socket attached to a session mailbox. The read pump
// turns frames into mailbox submissions; the write pump is the only
// writer on the socket and stamps the per-connection sequence.
type conn struct {
	ws  *websocket.Conn
	mb  *session.Mailbox
	ts  *transcript.Service
	log *slog.Logger
	now func() time.Time

	readWait    time.Duration
	replayLimit int

	send chan *protocol.Envelope
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, mb *session.Mailbox, ts *transcript.Service, log *slog.Logger, readWait time.Duration, replayLimit int) *conn {
	return &conn{
		ws:          ws,
		mb:          mb,
		ts:          ts,
		log:         log,
		now:         time.Now,
		readWait:    readWait,
		replayLimit: replayLimit,
		send:        make(chan *protocol.Envelope, outboundBuffer),
		done:        make(chan struct{}),
	}
}

// Deliver queues an envelope for the socket. It never blocks: when the
// link cannot drain fast enough the frame is dropped and the client
// recovers the durable part through a sync request.
func (c *conn) Deliver(env *protocol.Envelope) {
	select {
	case c.send <- env:
	default:
		c.log.Warn("outbound buffer full, dropping frame", "type", env.Type)
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// writePump owns all writes. hello goes out first so the client sees
// the session snapshot before any other traffic.
func (c *conn) writePump(hello *protocol.Envelope) {
	var seq int64
	write := func(env *protocol.Envelope) error {
		seq++
		env.Seq = seq
		data, err := protocol.Encode(env)
		if err != nil {
			c.log.Error("failed to encode envelope", "type", env.Type, "error", err)
			return nil
		}
		_ = c.ws.SetWriteDeadline(c.now().Add(writeWait))
		return c.ws.WriteMessage(websocket.TextMessage, data)
	}

	if hello != nil {
		if err := write(hello); err != nil {
			c.close()
			return
		}
	}
	for {
		select {
		case env := <-c.send:
			if err := write(env); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump consumes frames until the socket dies. It runs on the
// handler goroutine; returning ends the connection.
func (c *conn) readPump() {
	defer func() {
		c.mb.Detach(c)
		c.close()
	}()

	for {
		if c.readWait > 0 {
			_ = c.ws.SetReadDeadline(c.now().Add(c.readWait))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("connection dropped", "error", err)
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			// malformed frames cost the sender an error envelope, not
			// the connection
			c.log.Warn("malformed frame", "error", err)
			c.Deliver(errorEnvelope(string(c.mb.SessionID()), protocol.ErrKindProtocol, err.Error(), false, "", c.now()))
			continue
		}
		c.handle(env)
	}
}

func (c *conn) handle(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeUserMessage:
		if err := c.mb.Submit(env); err != nil {
			c.rejectSubmit(env, err)
		}

	case protocol.TypeHeartbeat:
		c.Deliver(&protocol.Envelope{
			Type:          protocol.TypeHeartbeat,
			SessionID:     env.SessionID,
			CorrelationID: env.ClientMessageID,
			Timestamp:     protocol.UnixMS(c.now()),
		})

	case protocol.TypeCancelStream:
		c.mb.CancelStream(env.CorrelationID)

	case protocol.TypeSystem:
		if env.Meta[protocol.MetaRequest] == protocol.RequestSync {
			c.replaySince(env.Meta[protocol.MetaAfterSeq])
		}

	default:
		c.log.Warn("unexpected inbound envelope", "type", env.Type)
	}
}

func (c *conn) rejectSubmit(env *protocol.Envelope, err error) {
	sessionID := string(c.mb.SessionID())
	switch {
	case err == domain.ErrOverloaded:
		c.log.Warn("inbox full, rejecting message", "client_message_id", env.ClientMessageID)
		c.Deliver(errorEnvelope(sessionID, protocol.ErrKindOverloaded,
			"session is processing earlier messages, retry shortly", true, env.ClientMessageID, c.now()))
	case err == domain.ErrSessionEnded:
		c.Deliver(errorEnvelope(sessionID, protocol.ErrKindSession,
			"session is no longer active", false, env.ClientMessageID, c.now()))
	default:
		c.log.Error("submit failed", "error", err)
		c.Deliver(errorEnvelope(sessionID, protocol.ErrKindInternal,
			"could not accept message", true, env.ClientMessageID, c.now()))
	}
}

// replaySince feeds the client the assistant replies it missed while
// away. User-authored messages are skipped: the asking client wrote
// them.
func (c *conn) replaySince(afterSeqRaw string) {
	afterSeq, err := strconv.ParseInt(afterSeqRaw, 10, 64)
	if err != nil {
		c.log.Warn("bad sync cursor", "after_seq", afterSeqRaw)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := c.ts.Since(ctx, c.mb.SessionID(), afterSeq, c.replayLimit)
	if err != nil {
		c.log.Error("sync replay failed", "error", err)
		return
	}
	replayed := 0
	for _, m := range msgs {
		if m.Author != domain.RoleAssistant {
			continue
		}
		c.Deliver(&protocol.Envelope{
			Type:            protocol.TypeAIResponse,
			SessionID:       string(m.SessionID),
			ClientMessageID: m.ClientMessageID,
			ServerMessageID: string(m.ID),
			Content:         m.Text,
			Timestamp:       protocol.UnixMS(m.CreatedAt),
			Meta: map[string]string{
				protocol.MetaSeq:    strconv.FormatInt(m.Seq, 10),
				protocol.MetaAuthor: string(m.Author),
			},
		})
		replayed++
	}
	c.log.Info("replayed missed messages", "after_seq", afterSeq, "count", replayed)
}

func helloEnvelope(sessionID string, snap session.Snapshot, now time.Time) *protocol.Envelope {
	return &protocol.Envelope{
		Type:      protocol.TypeSystem,
		SessionID: sessionID,
		Timestamp: protocol.UnixMS(now),
		Meta: map[string]string{
			protocol.MetaEvent:    protocol.EventHello,
			protocol.MetaStatus:   string(snap.Status),
			protocol.MetaMsgCount: strconv.Itoa(snap.MessageCount),
			protocol.MetaLastSeq:  strconv.FormatInt(snap.LastSeq, 10),
		},
	}
}

func errorEnvelope(sessionID, kind, msg string, retryable bool, clientMessageID string, now time.Time) *protocol.Envelope {
	return &protocol.Envelope{
		Type:            protocol.TypeError,
		SessionID:       sessionID,
		ClientMessageID: clientMessageID,
		CorrelationID:   clientMessageID,
		Timestamp:       protocol.UnixMS(now),
		Error: &protocol.ErrorBody{
			Kind:      kind,
			Message:   msg,
			Retryable: retryable,
		},
	}
}
