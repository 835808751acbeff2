package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolError reports a malformed or ill-typed frame. Receivers log it
// and drop the frame; a bad frame never tears the connection down.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Reason }

var knownTypes = map[Type]bool{
	TypeUserMessage:  true,
	TypeAIResponse:   true,
	TypeStreamStart:  true,
	TypeStreamChunk:  true,
	TypeStreamEnd:    true,
	TypeCancelStream: true,
	TypeHeartbeat:    true,
	TypeAck:          true,
	TypeError:        true,
	TypeSystem:       true,
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates a frame. Malformed JSON or a schema
// violation returns a *ProtocolError.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame: " + err.Error()}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate enforces the per-type field requirements.
func (e *Envelope) Validate() error {
	if !knownTypes[e.Type] {
		return &ProtocolError{Reason: fmt.Sprintf("unknown envelope type %q", e.Type)}
	}
	if e.SessionID == "" {
		return &ProtocolError{Reason: string(e.Type) + " envelope missing session id"}
	}
	switch e.Type {
	case TypeUserMessage:
		if e.ClientMessageID == "" {
			return &ProtocolError{Reason: "user_message missing clientMessageId"}
		}
	case TypeStreamChunk, TypeStreamEnd, TypeCancelStream:
		if e.CorrelationID == "" {
			return &ProtocolError{Reason: string(e.Type) + " missing correlationId"}
		}
	case TypeHeartbeat:
		if e.ClientMessageID == "" && e.CorrelationID == "" {
			return &ProtocolError{Reason: "heartbeat missing id"}
		}
	case TypeError:
		if e.Error == nil {
			return &ProtocolError{Reason: "error envelope missing body"}
		}
	}
	return nil
}
