package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Paulmait/roomsnap-sub000/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// maxFrameBytes caps a single envelope. Full-session syncs are the
	// largest frames and stay well under this.
	maxFrameBytes = 1 << 20

	// sendBuffer is how far a client may fall behind before the relay
	// gives up on it.
	sendBuffer = 256
)

// client is one WebSocket connection attached to a room. The read pump feeds
// the room, the write pump drains the send buffer; the room owns the mapping
// from connection to participant. The send channel is never closed:
// room.broadcast writes to it after releasing the room lock, so shutdown is
// signaled on done instead.
type client struct {
	room   *room
	conn   *websocket.Conn
	logger *zap.Logger
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func newClient(rm *room, conn *websocket.Conn, logger *zap.Logger) *client {
	return &client{
		room:   rm,
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// detach wakes the write pump. Idempotent, safe to call while other
// goroutines are still sending on the client's channel.
func (c *client) detach() {
	c.once.Do(func() { close(c.done) })
}

// readPump decodes inbound frames and hands them to the room. It returns
// when the peer goes away; the room then synthesizes the departure for
// everyone else.
func (c *client) readPump() {
	defer func() {
		c.room.dropClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := protocol.Unmarshal(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		c.room.handleEnvelope(c, env)
	}
}

// writePump serializes every write to the connection: buffered envelopes and
// the keepalive pings. detach makes it say goodbye and return.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
