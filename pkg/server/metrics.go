package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections    atomic.Int64 // lifetime connections accepted, both transports
	ActiveConnections   atomic.Int64 // currently registered sessions
	RejectedConnections atomic.Int64 // refused at the connection limit
	TotalDisconnects    atomic.Int64 // sessions removed from the registry

	// Login counters
	FailedAuths     atomic.Int64 // rejected logins
	SuccessfulAuths atomic.Int64 // promotions to user or hub

	// Traffic counters
	RequestsDispatched atomic.Int64 // requests taken off the dispatch queue
	MessagesRouted     atomic.Int64 // lines queued on a destination session
	DroppedLines       atomic.Int64 // lines a destination could not take
	RoutingErrors      atomic.Int64 // 901 replies sent by the dispatcher
	ProtocolErrors     atomic.Int64 // sessions closed for a malformed line
	Pings              atomic.Int64 // keep-alives answered
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections   int64 `json:"active_connections"`
	TotalConnections    int64 `json:"total_connections"`
	RejectedConnections int64 `json:"rejected_connections"`
	TotalDisconnects    int64 `json:"total_disconnects"`

	SuccessfulAuths int64 `json:"successful_auths"`
	FailedAuths     int64 `json:"failed_auths"`

	RequestsDispatched int64 `json:"requests_dispatched"`
	MessagesRouted     int64 `json:"messages_routed"`
	DroppedLines       int64 `json:"dropped_lines"`
	RoutingErrors      int64 `json:"routing_errors"`
	ProtocolErrors     int64 `json:"protocol_errors"`
	Pings              int64 `json:"pings"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		ActiveConnections:   m.ActiveConnections.Load(),
		TotalConnections:    m.TotalConnections.Load(),
		RejectedConnections: m.RejectedConnections.Load(),
		TotalDisconnects:    m.TotalDisconnects.Load(),
		SuccessfulAuths:     m.SuccessfulAuths.Load(),
		FailedAuths:         m.FailedAuths.Load(),
		RequestsDispatched:  m.RequestsDispatched.Load(),
		MessagesRouted:      m.MessagesRouted.Load(),
		DroppedLines:        m.DroppedLines.Load(),
		RoutingErrors:       m.RoutingErrors.Load(),
		ProtocolErrors:      m.ProtocolErrors.Load(),
		Pings:               m.Pings.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"requests", s.RequestsDispatched,
		"routed", s.MessagesRouted,
		"dropped", s.DroppedLines,
		"routing_errors", s.RoutingErrors,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
