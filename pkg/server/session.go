package server

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// OverflowPolicy selects what happens when a session's outbound queue is full.
type OverflowPolicy string

const (
	// OverflowDisconnect closes a session that cannot keep up.
	OverflowDisconnect OverflowPolicy = "disconnect"
	// OverflowDropOldest discards the oldest queued line to make room.
	OverflowDropOldest OverflowPolicy = "drop-oldest"
)

// outbound is one entry of a session's queue. stop is the in-band marker
// that tells the outbound loop to flush and exit.
type outbound struct {
	line string
	stop bool
}

// Session is one connected peer. The registry maps its ID to an identity;
// the session itself owns the transport and the outbound queue.
type Session struct {
	ID    uint64
	Trace uuid.UUID

	conn     Conn
	out      chan outbound
	overflow OverflowPolicy

	authenticated atomic.Bool
	dropped       atomic.Int64

	mu       sync.Mutex // serializes producers
	stopping bool

	done     chan struct{}
	killOnce sync.Once
}

func newSession(id uint64, conn Conn, queueSize int, overflow OverflowPolicy) *Session {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Session{
		ID:       id,
		Trace:    uuid.New(),
		conn:     conn,
		out:      make(chan outbound, queueSize),
		overflow: overflow,
		done:     make(chan struct{}),
	}
}

// Send queues a line for the peer without blocking. It reports false if the
// line was not queued because the session is closing or was disconnected
// for being too slow.
func (s *Session) Send(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.out <- outbound{line: line}:
		return true
	default:
	}

	if s.overflow == OverflowDropOldest {
		select {
		case <-s.out:
			s.dropped.Add(1)
		default:
		}
		// Producers are serialized and the consumer only frees space.
		s.out <- outbound{line: line}
		return true
	}

	s.stopping = true
	s.Kill()
	return false
}

// Stop queues the termination marker. Lines queued before it are still
// written. If the queue is full the session is killed instead.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return
	}
	s.stopping = true
	select {
	case s.out <- outbound{stop: true}:
	default:
		s.Kill()
	}
}

// Kill ends the session immediately, discarding queued lines.
func (s *Session) Kill() {
	s.killOnce.Do(func() { close(s.done) })
}

// Done is closed when the session is killed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many lines the drop-oldest policy has discarded.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

// RemoteAddr returns the peer address reported by the transport.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}
