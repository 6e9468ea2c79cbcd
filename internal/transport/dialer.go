package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the slice of *websocket.Conn the link drives. Tests substitute
// in-memory fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens one connection attempt. A *HandshakeError return means the
// relay answered with an HTTP status instead of upgrading; those rejections
// are deliberate and must not be retried.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// HandshakeError is a pre-upgrade rejection from the relay. Status carries
// the reason (404 unknown room, 409 room full, 403 forbidden) and Body the
// relay's JSON error document.
type HandshakeError struct {
	Status int
	Body   []byte
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("relay rejected handshake: status %d", e.Status)
}

type wsDialer struct {
	handshakeTimeout time.Duration
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &HandshakeError{Status: resp.StatusCode, Body: body}
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}
