package protocol

import (
	"encoding/json"
	"time"
)

// MessageType discriminates envelopes on the wire.
type MessageType string

const (
	MessageJoin        MessageType = "join"
	MessageLeave       MessageType = "leave"
	MessageMeasurement MessageType = "measurement"
	MessageCursor      MessageType = "cursor"
	MessageAnnotation  MessageType = "annotation"
	MessageSync        MessageType = "sync"
	MessageChat        MessageType = "chat"
)

// Valid reports whether t is one of the known wire types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageJoin, MessageLeave, MessageMeasurement, MessageCursor,
		MessageAnnotation, MessageSync, MessageChat:
		return true
	}
	return false
}

// ServerParticipantID is the reserved sender id for envelopes the relay
// originates itself: sync responses on join and synthesized leaves for
// dropped connections. Clients must never claim it.
const ServerParticipantID = "server"

// Envelope is the uniform frame every message travels in. Data carries the
// type-specific payload and stays undecoded until the type is known, so a
// single read loop can dispatch without guessing at shapes. Sequence is
// per-sender and strictly increasing; receivers use it to drop replays.
type Envelope struct {
	Type          MessageType     `json:"type"`
	SessionID     string          `json:"sessionId"`
	ParticipantID string          `json:"participantId"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Sequence      uint64          `json:"sequence"`
}

// Validate checks the frame fields every envelope must carry.
func (e Envelope) Validate() error {
	if !e.Type.Valid() {
		return &DecodeError{Reason: "unknown message type " + string(e.Type)}
	}
	if e.SessionID == "" {
		return &DecodeError{Reason: "missing sessionId"}
	}
	if e.ParticipantID == "" {
		return &DecodeError{Reason: "missing participantId"}
	}
	if e.Sequence == 0 {
		return &DecodeError{Reason: "missing sequence"}
	}
	return nil
}

// Time converts the millisecond wire timestamp back to a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}
