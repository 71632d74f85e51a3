// Package server implements the hosorelay relay: the session registry,
// the login gateway, the request dispatcher and the per-connection loops.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/hosorelay/pkg/auth"
	"github.com/NicolasHaas/hosorelay/pkg/datastore"
	"github.com/NicolasHaas/hosorelay/pkg/model"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`  // TCP line transport bind address (empty = disabled)
	WSAddr      string `yaml:"ws_addr"`      // websocket bind address (empty = disabled)
	WSPath      string `yaml:"ws_path"`      // websocket endpoint path
	MetricsAddr string `yaml:"metrics_addr"` // HTTP bind address for /metrics (empty = disabled)

	MaxClients int  `yaml:"max_clients"` // concurrent connection limit, 0 = unlimited
	Debug      bool `yaml:"debug"`       // force debug logging

	LoginTimeout time.Duration `yaml:"login_timeout"` // time allowed to send a login line
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // authenticated read timeout, reset per line

	DispatchQueueSize  int                `yaml:"dispatch_queue_size"`
	OutboundQueueSize  int                `yaml:"outbound_queue_size"`
	OverflowPolicy     OverflowPolicy     `yaml:"overflow_policy"`
	DuplicateHubPolicy DuplicateHubPolicy `yaml:"duplicate_hub_policy"`
	RequireHubOnline   bool               `yaml:"require_hub_online"` // refuse user logins while their hub is offline (false accepts with an empty alias)

	TLS      bool   `yaml:"tls"`       // wrap the TCP line transport in TLS
	CertFile string `yaml:"cert_file"` // TLS certificate file path
	KeyFile  string `yaml:"key_file"`  // TLS private key file path
	DataDir  string `yaml:"data_dir"`  // directory for generated certs

	DBPath       string `yaml:"db_path"`       // SQLite database path
	AccountsFile string `yaml:"accounts_file"` // YAML file of hubs and users to provision on startup

	// CLI-only actions (run and exit)
	ExportAccounts bool `yaml:"-"` // export all accounts as YAML and exit
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory
	// Auth defaults to an auth.StoreProvider over Store.
	Auth auth.Provider
	// Keys defaults to auth.DefaultKeyGenerator.
	Keys auth.KeyGenerator
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":9700",
		WSAddr:             ":9701",
		WSPath:             "/homesome",
		MetricsAddr:        ":9702",
		MaxClients:         1000,
		LoginTimeout:       5 * time.Second,
		IdleTimeout:        60 * time.Second,
		DispatchQueueSize:  1024,
		OutboundQueueSize:  256,
		OverflowPolicy:     OverflowDisconnect,
		DuplicateHubPolicy: DuplicateHubReject,
		RequireHubOnline:   true,
		DBPath:             "hosorelay.db",
		DataDir:            ".",
	}
}

// Validate reports configuration values the server cannot run with.
func (c Config) Validate() error {
	switch c.OverflowPolicy {
	case OverflowDisconnect, OverflowDropOldest:
	default:
		return fmt.Errorf("server: unknown overflow policy %q", c.OverflowPolicy)
	}
	switch c.DuplicateHubPolicy {
	case DuplicateHubReject, DuplicateHubReplace:
	default:
		return fmt.Errorf("server: unknown duplicate hub policy %q", c.DuplicateHubPolicy)
	}
	if c.LoginTimeout <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("server: timeouts must be positive")
	}
	if c.DispatchQueueSize < 1 || c.OutboundQueueSize < 1 {
		return fmt.Errorf("server: queue sizes must be at least 1")
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("server: max clients must not be negative")
	}
	if c.ListenAddr == "" && c.WSAddr == "" {
		return fmt.Errorf("server: no transport enabled")
	}
	return nil
}

// loadOrGenerateTLS loads TLS cert/key from disk or generates a self-signed pair.
func loadOrGenerateTLS(cfg Config) (tls.Certificate, error) {
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile

	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "server.key")
	}

	// Try loading existing cert
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	// Generate self-signed certificate
	slog.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"hosorelay"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}

	// Write cert
	certOut, err := os.Create(certPath) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		_ = certOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode cert: %w", err)
	}
	if err := certOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close cert file: %w", err)
	}

	// Write key
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		_ = keyOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode key: %w", err)
	}
	if err := keyOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close key file: %w", err)
	}

	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)

	return tls.LoadX509KeyPair(certPath, keyPath)
}

// Server is the relay. One instance owns one registry and one dispatcher.
type Server struct {
	cfg      Config
	registry *Registry
	metrics  *Metrics
	store    datastore.DataProviderFactory
	auth     auth.Provider
	keys     auth.KeyGenerator
	requests chan model.ClientRequest
	nextID   atomic.Uint64

	mu          sync.Mutex
	tcpListener net.Listener
	wsListener  net.Listener
	wsServer    *http.Server
	started     bool
	closing     bool // set once Shutdown begins; no new connections are tracked

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	provider := deps.Auth
	if provider == nil && deps.Store != nil {
		provider = auth.NewStoreProvider(deps.Store)
	}
	keys := deps.Keys
	if keys == nil {
		keys = auth.DefaultKeyGenerator
	}
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(cfg.MaxClients, cfg.DuplicateHubPolicy),
		metrics:  NewMetrics(),
		store:    deps.Store,
		auth:     provider,
		keys:     keys,
		requests: make(chan model.ClientRequest, max(cfg.DispatchQueueSize, 1)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// trackConn adds one connection goroutine to the wait group. It reports
// false once Shutdown has begun, in which case the caller must drop the
// connection.
func (s *Server) trackConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
