package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/hosorelay/pkg/protocol"
)

// wsConn carries one frame per websocket text message.
type wsConn struct {
	conn   *websocket.Conn
	remote string
}

func newWSConn(c *websocket.Conn, remote string) *wsConn {
	c.SetReadLimit(protocol.MaxLineLength + 2)
	return &wsConn{conn: c, remote: remote}
}

func (c *wsConn) ReadLine() (string, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt != websocket.TextMessage {
			continue
		}
		line := strings.TrimRight(string(data), "\r\n")
		if len(line) > protocol.MaxLineLength {
			return "", protocol.ErrLineTooLong
		}
		return line, nil
	}
}

func (c *wsConn) WriteLine(line string) error {
	if len(line) > protocol.MaxLineLength {
		return protocol.ErrLineTooLong
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsConn) SetIdleTimeout(d time.Duration) error {
	if d <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

func (c *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

// StartWS starts the websocket transport on Config.WSAddr at Config.WSPath.
func (s *Server) StartWS() error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Browser and app clients connect from arbitrary origins.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WSPath, func(w http.ResponseWriter, r *http.Request) {
		if !s.trackConn() {
			http.Error(w, reasonShutdown, http.StatusServiceUnavailable)
			return
		}
		defer s.wg.Done()
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		s.serveConn(newWSConn(c, r.RemoteAddr))
	})

	ln, err := net.Listen("tcp", s.cfg.WSAddr)
	if err != nil {
		return fmt.Errorf("server: listen websocket: %w", err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.wsListener = ln
	s.wsServer = srv
	s.mu.Unlock()
	slog.Info("websocket transport listening", "addr", ln.Addr().String(), "path", s.cfg.WSPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("websocket HTTP error", "err", err)
		}
	}()
	return nil
}

// WSAddr returns the bound address of the websocket listener, or nil.
func (s *Server) WSAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Addr()
}
