package wsgateway

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeDeadline = 10 * time.Second
	readDeadline  = 90 * time.Second
)

// client is one connected browser socket. focused and pingPending are
// accessed by both the client's own readPump and the hub's liveness
// sweep, so both are atomics rather than plain fields.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	user string

	send chan []byte

	focused     atomic.Bool
	pingPending atomic.Bool
	closed      atomic.Bool
}

func newClient(hub *Hub, conn *websocket.Conn, user string) *client {
	c := &client{hub: hub, conn: conn, user: user, send: make(chan []byte, 32)}
	c.focused.Store(true)
	return c
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.pingPending.Store(false)
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(message)
	}
}

func (c *client) handleMessage(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}

	switch f.Event {
	case "clientState":
		var d clientStateData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return
		}
		c.focused.Store(d.Focused)
		c.hub.onFocusChange()

	case "fetchDelta":
		var d fetchDeltaData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return
		}
		c.hub.handleFetchDelta(c, d)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	// send channel closed: tell the peer and exit.
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// sendFrame enqueues an outbound frame, dropping it with a warning log if
// the client's buffer is full rather than blocking the broadcast loop.
func (c *client) sendFrame(event string, data any) {
	raw, err := encodeFrame(event, data)
	if err != nil {
		slog.Error("wsgateway: encoding frame", "event", event, "error", err)
		return
	}
	if !c.safeSendRaw(raw) {
		slog.Warn("wsgateway: dropping frame for slow or closed client", "user", c.user, "event", event)
	}
}

// safeSendRaw enqueues raw bytes, reporting whether they were accepted.
// The hub's unregister and the liveness sweep can close a client's send
// channel concurrently with a broadcast in flight, so this guards against
// the sole remaining unguarded window with a closed flag plus recover.
func (c *client) safeSendRaw(raw []byte) (sent bool) {
	if c.closed.Load() {
		return false
	}
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

// ping sends a native ping frame, reporting whether the write succeeded.
func (c *client) ping() bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(websocket.PingMessage, nil) == nil
}
