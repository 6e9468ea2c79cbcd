package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// DecodeError reports a frame that could not be understood. Malformed
// envelopes are dropped and logged, never fatal to the connection.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewEnvelope frames a payload for the wire. The timestamp is informational
// only (milliseconds since epoch, the sender's clock); ordering guarantees
// come from Sequence.
func NewEnvelope(t MessageType, sessionID, participantID string, seq uint64, now time.Time, payload any) (Envelope, error) {
	e := Envelope{
		Type:          t,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Timestamp:     now.UnixMilli(),
		Sequence:      seq,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		e.Data = data
	}
	return e, nil
}

// Marshal serializes an envelope to wire bytes.
func Marshal(e Envelope) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Type, err)
	}
	return raw, nil
}

// Unmarshal parses wire bytes into a validated envelope. Anything that is
// not JSON, or that fails frame validation, comes back as *DecodeError.
func Unmarshal(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// DecodePayload unpacks the envelope's data into dst, which must be a
// pointer to the payload struct matching the envelope type.
func DecodePayload(e Envelope, dst any) error {
	if len(e.Data) == 0 {
		return &DecodeError{Reason: fmt.Sprintf("%s envelope has no payload", e.Type)}
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("malformed %s payload", e.Type), Err: err}
	}
	return nil
}
