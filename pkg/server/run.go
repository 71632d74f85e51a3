package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NicolasHaas/hosorelay/pkg/protocol"
)

const shutdownGrace = 5 * time.Second

// Start provisions accounts, then starts the dispatcher, the transports
// and the metrics endpoint. It does not block.
func (s *Server) Start() error {
	if s.auth == nil {
		return fmt.Errorf("server: missing auth dependency")
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server: already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.AccountsFile != "" {
		if s.store == nil {
			return fmt.Errorf("server: accounts file needs a store")
		}
		if err := LoadAccountsFromYAML(s.ctx, s.cfg.AccountsFile, s.store); err != nil {
			return fmt.Errorf("server: provision accounts: %w", err)
		}
	}

	s.startDispatcher()

	if s.cfg.ListenAddr != "" {
		if err := s.StartTCP(); err != nil {
			s.Shutdown()
			return err
		}
	}
	if s.cfg.WSAddr != "" {
		if err := s.StartWS(); err != nil {
			s.Shutdown()
			return err
		}
	}

	s.StartMetricsHTTP()
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())
	return nil
}

func (s *Server) startDispatcher() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatchLoop(s.ctx)
	}()
}

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	slog.Info("hosorelay running",
		"tcp", s.cfg.ListenAddr,
		"ws", s.cfg.WSAddr+s.cfg.WSPath,
		"max_clients", s.cfg.MaxClients,
	)

	ctx, stop := signal.NotifyContext(s.ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown stops accepting connections, tells every session to close after
// flushing its queue and waits briefly for the loops to finish. Sessions
// still running after the grace period are killed.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		if s.tcpListener != nil {
			_ = s.tcpListener.Close()
		}
		if s.wsServer != nil {
			_ = s.wsServer.Close()
		}
		s.mu.Unlock()

		sessions := s.registry.Sessions()
		for _, sess := range sessions {
			sess.Send(protocol.Error(reasonShutdown))
			s.terminate(sess, "shutdown")
		}
		s.cancel()
		// Sessions registered while the first pass ran.
		for _, sess := range s.registry.Sessions() {
			s.terminate(sess, "shutdown")
			sessions = append(sessions, sess)
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			slog.Warn("shutdown grace period elapsed, killing sessions")
			for _, sess := range sessions {
				sess.Kill()
			}
		}

		if s.store != nil {
			if err := s.store.Close(); err != nil {
				slog.Error("close store", "err", err)
			}
		}
	})
}

// Context is cancelled once Shutdown begins.
func (s *Server) Context() context.Context {
	return s.ctx
}
