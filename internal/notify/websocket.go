package notify

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// WSConn pushes messages as text frames. The peer never sends application data; the
// read loop only detects close and keeps pongs flowing.
type WSConn struct {
	*queue
	ws *websocket.Conn
}

// NewWSConn wraps an upgraded connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{queue: newQueue(defaultBuffer), ws: ws}
}

// Close stops Serve and closes the socket.
func (c *WSConn) Close() error {
	_ = c.queue.Close()
	return c.ws.Close()
}

// Serve runs until ctx ends, the peer disconnects or a write fails.
func (c *WSConn) Serve(ctx context.Context) error {
	readErr := make(chan error, 1)
	go func() {
		c.ws.SetReadLimit(512)
		_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := c.ws.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
			return ctx.Err()
		case <-c.Done():
			return ErrConnClosed
		case err := <-readErr:
			return err
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return err
			}
		}
	}
}
