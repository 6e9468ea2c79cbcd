package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/Paulmait/roomsnap-sub000/internal/model/collab"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	now := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	payload := MeasurementPayload{Measurement: collab.Measurement{
		ID:       "m1",
		AuthorID: "p1",
		Points:   []collab.Point{{X: 0.5, Y: 1, Z: -2}, {X: 3}},
		Distance: 4.25,
		Unit:     collab.UnitMeters,
		Label:    "north wall",
		Time:     now,
		Version:  3,
	}}

	env, err := NewEnvelope(MessageMeasurement, "sess-1", "p1", 42, now, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, err := Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Type != MessageMeasurement || got.SessionID != "sess-1" || got.ParticipantID != "p1" {
		t.Fatalf("frame fields lost: %+v", got)
	}
	if got.Sequence != 42 {
		t.Fatalf("sequence = %d, want 42", got.Sequence)
	}
	if !got.Time().Equal(now) {
		t.Fatalf("timestamp = %v, want %v", got.Time(), now)
	}

	var decoded MeasurementPayload
	if err := DecodePayload(got, &decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.Measurement.ID != "m1" || decoded.Measurement.Version != 3 {
		t.Fatalf("payload lost: %+v", decoded.Measurement)
	}
	if len(decoded.Measurement.Points) != 2 || decoded.Measurement.Points[0].Z != -2 {
		t.Fatalf("points lost: %+v", decoded.Measurement.Points)
	}
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	raw := []byte(`{"type":"teleport","sessionId":"s","participantId":"p","timestamp":1,"sequence":1}`)
	_, err := Unmarshal(raw)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("want *DecodeError, got %v", err)
	}
}

func TestUnmarshalRejectsMalformedJSON(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"join",`))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("want *DecodeError, got %v", err)
	}
}

func TestUnmarshalRejectsMissingFrameFields(t *testing.T) {
	cases := []string{
		`{"type":"join","participantId":"p","timestamp":1,"sequence":1}`,
		`{"type":"join","sessionId":"s","timestamp":1,"sequence":1}`,
		`{"type":"join","sessionId":"s","participantId":"p","timestamp":1}`,
	}
	for _, raw := range cases {
		if _, err := Unmarshal([]byte(raw)); err == nil {
			t.Errorf("envelope %s passed validation", raw)
		}
	}
}

func TestDecodePayloadErrors(t *testing.T) {
	env := Envelope{Type: MessageCursor, SessionID: "s", ParticipantID: "p"}
	var cp CursorPayload
	if err := DecodePayload(env, &cp); err == nil {
		t.Fatal("empty data must not decode")
	}

	env.Data = []byte(`{"position":`)
	var de *DecodeError
	if err := DecodePayload(env, &cp); !errors.As(err, &de) {
		t.Fatalf("want *DecodeError, got %v", err)
	}
}

func TestServerEnvelopesUseReservedSender(t *testing.T) {
	env, err := NewEnvelope(MessageLeave, "sess-1", ServerParticipantID, 7, time.Now(),
		LeavePayload{ParticipantID: "p2", Reason: LeaveReasonDisconnected})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("server envelope invalid: %v", err)
	}

	var lp LeavePayload
	if err := DecodePayload(env, &lp); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if lp.Reason != LeaveReasonDisconnected {
		t.Fatalf("reason = %q", lp.Reason)
	}
}
