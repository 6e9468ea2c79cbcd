package transport

import (
	"testing"

	"github.com/Paulmait/roomsnap-sub000/internal/protocol"
)

func env(seq uint64) protocol.Envelope {
	return protocol.Envelope{Type: protocol.MessageChat, SessionID: "s", ParticipantID: "p", Sequence: seq}
}

func TestQueueFIFO(t *testing.T) {
	var q queue
	q.push(env(1))
	q.push(env(2))
	q.push(env(3))

	for want := uint64(1); want <= 3; want++ {
		e, ok := q.pop()
		if !ok {
			t.Fatalf("pop %d: queue empty", want)
		}
		if e.Sequence != want {
			t.Fatalf("pop order: got seq %d, want %d", e.Sequence, want)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("pop from empty queue succeeded")
	}
}

func TestQueuePushFrontRestoresHead(t *testing.T) {
	var q queue
	q.push(env(2))
	q.push(env(3))
	q.pushFront(env(1))

	if q.len() != 3 {
		t.Fatalf("len = %d, want 3", q.len())
	}
	e, _ := q.pop()
	if e.Sequence != 1 {
		t.Fatalf("head seq = %d, want 1", e.Sequence)
	}
}

func TestQueueClear(t *testing.T) {
	var q queue
	q.push(env(1))
	q.clear()
	if q.len() != 0 {
		t.Fatalf("len after clear = %d", q.len())
	}
}
