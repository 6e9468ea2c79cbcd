package transport

import "github.com/Paulmait/roomsnap-sub000/internal/protocol"

// queue buffers outbound envelopes while the link is down. It is deliberately
// unbounded: a short disconnect must never drop local edits, and the entire
// backlog replays in FIFO order on reconnect. The Link serializes access
// behind its own mutex.
type queue struct {
	items []protocol.Envelope
}

func (q *queue) push(e protocol.Envelope) {
	q.items = append(q.items, e)
}

// pushFront returns an envelope to the head after a failed flush write, so
// the replay order survives across reconnect attempts.
func (q *queue) pushFront(e protocol.Envelope) {
	q.items = append([]protocol.Envelope{e}, q.items...)
}

func (q *queue) pop() (protocol.Envelope, bool) {
	if len(q.items) == 0 {
		return protocol.Envelope{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

func (q *queue) len() int { return len(q.items) }

func (q *queue) clear() { q.items = nil }
