package notify

import (
	"sync"

	"github.com/google/uuid"
)

const defaultBuffer = 32

// queue is the non-blocking outbound buffer shared by SSE and WebSocket connections.
// Messages leave in the order they were queued.
type queue struct {
	id        string
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func newQueue(buffer int) *queue {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &queue{id: uuid.NewString(), out: make(chan Message, buffer), done: make(chan struct{})}
}

func (q *queue) ID() string { return q.id }

func (q *queue) Send(msg Message) error {
	select {
	case <-q.done:
		return ErrConnClosed
	default:
	}
	select {
	case q.out <- msg:
		return nil
	case <-q.done:
		return ErrConnClosed
	default:
		return ErrSlowConsumer
	}
}

func (q *queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// Done is closed once the connection is closed.
func (q *queue) Done() <-chan struct{} { return q.done }
