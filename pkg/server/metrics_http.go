package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NicolasHaas/hosorelay/pkg/model"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :9702 by default, configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

func (s *Server) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("hosorelay_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("hosorelay_connections_active", "Currently registered sessions.", "gauge",
		m.ActiveConnections.Load())
	write("hosorelay_connections_total", "Lifetime connections accepted.", "counter",
		m.TotalConnections.Load())
	write("hosorelay_connections_rejected_total", "Connections refused at the client limit.", "counter",
		m.RejectedConnections.Load())
	write("hosorelay_disconnects_total", "Sessions removed from the registry.", "counter",
		m.TotalDisconnects.Load())

	kinds := s.registry.KindCounts()
	_, _ = fmt.Fprintf(w, "# HELP hosorelay_sessions Registered sessions by identity kind.\n")
	_, _ = fmt.Fprintf(w, "# TYPE hosorelay_sessions gauge\n")
	for _, k := range []model.Kind{model.KindUnauthenticated, model.KindUser, model.KindHub} {
		_, _ = fmt.Fprintf(w, "hosorelay_sessions{kind=%q} %d\n", k.String(), kinds[k])
	}

	write("hosorelay_auth_success_total", "Successful logins.", "counter",
		m.SuccessfulAuths.Load())
	write("hosorelay_auth_failed_total", "Rejected logins.", "counter",
		m.FailedAuths.Load())

	write("hosorelay_requests_total", "Requests taken off the dispatch queue.", "counter",
		m.RequestsDispatched.Load())
	write("hosorelay_dispatch_queue_length", "Requests waiting for the dispatcher.", "gauge",
		int64(len(s.requests)))
	write("hosorelay_messages_routed_total", "Lines queued on destination sessions.", "counter",
		m.MessagesRouted.Load())
	write("hosorelay_lines_dropped_total", "Lines a destination session could not take.", "counter",
		m.DroppedLines.Load())
	write("hosorelay_routing_errors_total", "Error replies sent by the dispatcher.", "counter",
		m.RoutingErrors.Load())
	write("hosorelay_protocol_errors_total", "Sessions closed for a malformed line.", "counter",
		m.ProtocolErrors.Load())
	write("hosorelay_pings_total", "Keep-alive lines answered.", "counter",
		m.Pings.Load())
}
