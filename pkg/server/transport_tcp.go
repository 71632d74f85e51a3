package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/NicolasHaas/hosorelay/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// tcpConn carries newline-delimited frames over a TCP (or TLS) stream.
type tcpConn struct {
	conn   net.Conn
	reader *protocol.Reader
}

func newTCPConn(c net.Conn) *tcpConn {
	return &tcpConn{conn: c, reader: protocol.NewReader(c)}
}

func (c *tcpConn) ReadLine() (string, error) {
	return c.reader.ReadLine()
}

func (c *tcpConn) WriteLine(line string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WriteLine(c.conn, line)
}

func (c *tcpConn) SetIdleTimeout(d time.Duration) error {
	if d <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// StartTCP starts the line protocol listener on Config.ListenAddr, wrapped
// in TLS when Config.TLS is set.
func (s *Server) StartTCP() error {
	var (
		ln  net.Listener
		err error
	)
	if s.cfg.TLS {
		cert, certErr := loadOrGenerateTLS(s.cfg)
		if certErr != nil {
			return fmt.Errorf("server: tls: %w", certErr)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", s.cfg.ListenAddr)
	}
	if err != nil {
		return fmt.Errorf("server: listen tcp: %w", err)
	}

	s.mu.Lock()
	s.tcpListener = ln
	s.mu.Unlock()
	slog.Info("line transport listening", "addr", ln.Addr().String(), "tls", s.cfg.TLS)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				slog.Error("accept error", "err", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if !s.trackConn() {
				_ = conn.Close()
				return
			}
			go func() {
				defer s.wg.Done()
				s.serveConn(newTCPConn(conn))
			}()
		}
	}()
	return nil
}

// TCPAddr returns the bound address of the line listener, or nil.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}
