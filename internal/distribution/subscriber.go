package distribution

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Conn is the part of a websocket connection the server writes through.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type subscriber struct {
	id          string
	conn        Conn
	connectedAt time.Time
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	alive       atomic.Bool
	limiter     *rate.Limiter

	mu         sync.Mutex
	channels   map[string]struct{}
	lastDropAt time.Time
}

func newSubscriber(id string, conn Conn, cfg Config, now time.Time) *subscriber {
	sub := &subscriber{
		id:          id,
		conn:        conn,
		connectedAt: now,
		send:        make(chan []byte, cfg.SendBuffer),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSecond), cfg.MaxMessagesPerSecond),
		channels:    map[string]struct{}{},
	}
	sub.alive.Store(true)
	return sub
}

// enqueue hands data to the writer without blocking. It reports false when
// the subscriber is closed or its queue is full.
func (s *subscriber) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *subscriber) subscribedTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}
