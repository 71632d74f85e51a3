package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/NicolasHaas/hosorelay/pkg/model"
	"github.com/NicolasHaas/hosorelay/pkg/protocol"
)

// Conn is the line transport under a session. ReadLine is called only by
// the inbound loop and WriteLine only by the outbound loop.
type Conn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	// SetIdleTimeout bounds the next ReadLine. Zero disables the bound.
	SetIdleTimeout(d time.Duration) error
	Close() error
	RemoteAddr() string
}

// serveConn runs one connection until it ends. It blocks for the lifetime
// of the inbound loop; the outbound loop runs in its own goroutine.
func (s *Server) serveConn(conn Conn) {
	sess := newSession(s.nextID.Add(1), conn, s.cfg.OutboundQueueSize, s.cfg.OverflowPolicy)
	s.metrics.TotalConnections.Add(1)

	if _, err := s.registry.Register(sess); err != nil {
		s.metrics.RejectedConnections.Add(1)
		slog.Warn("connection refused", "remote", conn.RemoteAddr(), "err", err)
		_ = conn.WriteLine(protocol.Error(reasonServerFull))
		_ = conn.Close()
		return
	}
	s.metrics.ActiveConnections.Add(1)
	slog.Debug("new connection", "session", sess.ID, "conn", sess.Trace, "remote", conn.RemoteAddr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.outboundLoop(sess)
	}()

	s.inboundLoop(sess)
}

// inboundLoop reads lines until the peer goes away, the session is closed
// or a protocol violation occurs.
func (s *Server) inboundLoop(sess *Session) {
	reason := "disconnect"
	defer func() { s.terminate(sess, reason) }()

	if s.ctx.Err() != nil {
		reason = "shutdown"
		return
	}

	loginDeadline := time.Now().Add(s.cfg.LoginTimeout)
	for {
		timeout := s.cfg.IdleTimeout
		if !sess.authenticated.Load() {
			// The login window is not extended by keep-alives.
			timeout = time.Until(loginDeadline)
			if timeout <= 0 {
				reason = "login timeout"
				return
			}
		}
		if err := sess.conn.SetIdleTimeout(timeout); err != nil {
			slog.Debug("set idle timeout", "session", sess.ID, "err", err)
		}

		line, err := sess.conn.ReadLine()
		if err != nil {
			reason = readErrorReason(err)
			slog.Debug("read ended", "session", sess.ID, "conn", sess.Trace, "reason", reason, "err", err)
			return
		}
		slog.Debug("recv", "session", sess.ID, "line", line)

		if line == protocol.Ping {
			s.metrics.Pings.Add(1)
			sess.Send(protocol.Pong)
			continue
		}

		frame, err := protocol.Parse(line)
		if err != nil {
			s.metrics.ProtocolErrors.Add(1)
			slog.Warn("protocol violation", "session", sess.ID, "remote", sess.RemoteAddr(), "err", err)
			reason = "protocol violation"
			return
		}

		if !sess.authenticated.Load() {
			if !s.authenticate(s.ctx, sess, frame) {
				reason = "login ended"
				return
			}
			continue
		}

		if !s.enqueue(sess, model.ClientRequest{SessionID: sess.ID, Line: line}) {
			reason = "shutdown"
			return
		}
	}
}

// enqueue pushes a request onto the dispatch queue, blocking while it is
// full. It gives up if the session or the server is closing.
func (s *Server) enqueue(sess *Session, req model.ClientRequest) bool {
	select {
	case s.requests <- req:
		return true
	case <-sess.Done():
		return false
	case <-s.ctx.Done():
		return false
	}
}

// outboundLoop writes queued lines until the stop marker, a write error or
// a kill. It owns closing the transport.
func (s *Server) outboundLoop(sess *Session) {
	defer func() { _ = sess.conn.Close() }()

	for {
		select {
		case <-sess.Done():
			return
		case msg := <-sess.out:
			if msg.stop {
				return
			}
			if err := sess.conn.WriteLine(msg.line); err != nil {
				slog.Debug("write failed", "session", sess.ID, "conn", sess.Trace, "err", err)
				sess.Kill()
				return
			}
			slog.Debug("sent", "session", sess.ID, "line", msg.line)
		}
	}
}

// terminate removes the session from the registry and stops its outbound
// loop after pending lines are written. Safe to call more than once.
func (s *Server) terminate(sess *Session, reason string) {
	if id, ok := s.registry.Remove(sess.ID); ok {
		s.retire(sess, id, reason)
	}
	sess.Stop()
}

// retire accounts for a session that has left the registry.
func (s *Server) retire(sess *Session, id model.Identity, reason string) {
	s.metrics.ActiveConnections.Add(-1)
	s.metrics.TotalDisconnects.Add(1)
	slog.Info("session closed",
		"session", sess.ID,
		"conn", sess.Trace,
		"identity", id.Kind().String(),
		"reason", reason,
	)
}

func readErrorReason(err error) string {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		return "disconnect"
	case errors.Is(err, protocol.ErrLineTooLong):
		return "line too long"
	case errors.As(err, &ne) && ne.Timeout():
		return "idle timeout"
	case errors.Is(err, context.DeadlineExceeded):
		return "idle timeout"
	default:
		return "read error"
	}
}
