package protocol_test

import (
	"errors"
	"testing"
	"time"

	"github.com/PabloGalante/parley/internal/protocol"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := &protocol.Envelope{
		Type:            protocol.TypeUserMessage,
		SessionID:       "sess-1",
		Seq:             7,
		ClientMessageID: "m1",
		Timestamp:       protocol.UnixMS(time.UnixMilli(1700000000000)),
		Content:         "hello there",
		Meta:            map[string]string{"locale": "en"},
	}

	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Type != env.Type || got.SessionID != env.SessionID || got.Seq != env.Seq {
		t.Fatalf("header mismatch: got %+v", got)
	}
	if got.ClientMessageID != "m1" || got.Content != "hello there" {
		t.Fatalf("body mismatch: got %+v", got)
	}
	if got.Meta["locale"] != "en" {
		t.Fatalf("metadata lost: got %v", got.Meta)
	}
	if !got.Time().Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("timestamp mismatch: got %v", got.Time())
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"unknown type", `{"type":"bogus","sessionId":"sess-1"}`},
		{"missing session id", `{"type":"heartbeat","clientMessageId":"h1"}`},
		{"user message without client id", `{"type":"user_message","sessionId":"sess-1","content":"hi"}`},
		{"chunk without correlation", `{"type":"stream_chunk","sessionId":"sess-1","content":"x"}`},
		{"cancel without correlation", `{"type":"cancel_stream","sessionId":"sess-1"}`},
		{"error without body", `{"type":"error","sessionId":"sess-1"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := protocol.Decode([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected decode error")
			}
			var perr *protocol.ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ProtocolError, got %T: %v", err, err)
			}
		})
	}
}

func TestHeartbeatEchoValidates(t *testing.T) {
	echo := &protocol.Envelope{
		Type:          protocol.TypeHeartbeat,
		SessionID:     "sess-1",
		CorrelationID: "hb-9",
	}
	if err := echo.Validate(); err != nil {
		t.Fatalf("heartbeat echo should validate: %v", err)
	}
}

func TestStreamChunkRoundTrip(t *testing.T) {
	chunk := &protocol.Envelope{
		Type:          protocol.TypeStreamChunk,
		SessionID:     "sess-1",
		CorrelationID: "stream-1",
		ChunkIndex:    3,
		ChunkTotal:    5,
		Content:       "partial",
	}
	data, err := protocol.Encode(chunk)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.ChunkIndex != 3 || got.ChunkTotal != 5 {
		t.Fatalf("chunk counters lost: got %+v", got)
	}
}
