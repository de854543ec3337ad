package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// SSEConn streams messages as server-sent events on a held-open response.
type SSEConn struct {
	*queue
	w         http.ResponseWriter
	flusher   http.Flusher
	heartbeat time.Duration
}

// NewSSEConn prepares the response for streaming. It fails when the writer cannot flush.
func NewSSEConn(w http.ResponseWriter, heartbeat time.Duration) (*SSEConn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEConn{queue: newQueue(defaultBuffer), w: w, flusher: flusher, heartbeat: heartbeat}, nil
}

// Serve writes queued messages until ctx ends, the connection is closed or a write fails.
func (c *SSEConn) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Done():
			return ErrConnClosed
		case msg := <-c.out:
			if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data); err != nil {
				return err
			}
			c.flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(c.w, ": ping\n\n"); err != nil {
				return err
			}
			c.flusher.Flush()
		}
	}
}
