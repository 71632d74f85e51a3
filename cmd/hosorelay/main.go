package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/NicolasHaas/hosorelay/pkg/datastore"
	"github.com/NicolasHaas/hosorelay/pkg/logging"
	"github.com/NicolasHaas/hosorelay/pkg/server"
	"github.com/NicolasHaas/hosorelay/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	configFile := flag.String("config", "", "YAML config file (flags given on the command line take precedence)")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP line transport bind address (empty to disable)")
	flag.StringVar(&cfg.WSAddr, "ws", cfg.WSAddr, "Websocket bind address (empty to disable)")
	flag.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "Websocket endpoint path")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "Maximum concurrent connections (0 = unlimited)")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flag.DurationVar(&cfg.LoginTimeout, "login-timeout", cfg.LoginTimeout, "Time allowed to log in after connecting")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Idle timeout for logged-in sessions")
	flag.BoolVar(&cfg.RequireHubOnline, "require-hub", cfg.RequireHubOnline, "Refuse user logins while their hub is offline")
	flag.BoolVar(&cfg.TLS, "tls", cfg.TLS, "Wrap the TCP line transport in TLS")
	flag.StringVar(&cfg.CertFile, "cert", "", "TLS certificate file (auto-generated if empty)")
	flag.StringVar(&cfg.KeyFile, "key", "", "TLS private key file (auto-generated if empty)")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated files")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.AccountsFile, "accounts-file", "", "YAML file of hubs and users to provision on startup")
	flag.BoolVar(&cfg.ExportAccounts, "export-accounts", false, "Export all accounts as YAML and exit")

	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner("hosorelay"))
		return
	}

	if *configFile != "" {
		if err := server.LoadConfigFile(*configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		// Re-apply the command line over the file.
		_ = flag.CommandLine.Parse(os.Args[1:])
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Component: "hosorelay",
		Level:     *logLevel,
		Format:    *logFormat,
		Output:    os.Stdout,
		Debug:     cfg.Debug,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	// Handle export command (run and exit)
	if cfg.ExportAccounts {
		data, err := server.ExportAccountsYAML(st)
		_ = st.Close()
		if err != nil {
			slog.Error("export accounts", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	slog.Info("starting hosorelay", version.Attr())
	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
