package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/me/weft/internal/app"
	"github.com/me/weft/internal/config"
	"github.com/me/weft/internal/logging"
	"github.com/me/weft/internal/server"
	"github.com/me/weft/internal/store"
)

func main() {
	configFile := flag.String("config", "", "Path to config file (YAML)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	dbPath := flag.String("db", "", "Database path (default ~/.weft/weft.db)")
	workers := flag.Int("workers", 0, "Concurrent tasks per run (default NumCPU)")
	analysesDir := flag.String("analyses", "", "Directory of analysis definitions to load")
	corsOrigins := flag.String("cors-origins", "", "Comma-separated allowed CORS origins")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = *addr
		case "log-level":
			cfg.Server.LogLevel = *logLevel
		case "log-format":
			cfg.Server.LogFormat = *logFormat
		case "db":
			cfg.Server.DBPath = *dbPath
		case "workers":
			cfg.Engine.Workers = *workers
		case "analyses":
			cfg.Engine.AnalysesDir = *analysesDir
		case "cors-origins":
			cfg.Server.CORSOrigins = strings.Split(*corsOrigins, ",")
		}
	})
	if *debug {
		cfg.Server.LogLevel = "debug"
	}

	logger, err := logging.FromFlags(cfg.Server.LogLevel, cfg.Server.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Resolve database path.
	path := cfg.Server.DBPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".weft")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
		path = filepath.Join(dir, "weft.db")
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", path)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(ctx, cfg.Engine, logger,
		app.WithObserver(store.NewRecorder(st, logger)),
		app.WithMetrics(reg),
		app.WithoutLocalFiles(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	logger.Info("engine ready", "analyses", a.Catalog.Len(), "workers", cfg.Engine.Workers)

	srv := server.New(cfg.Server, a, st, logger, server.WithMetricsRegistry(reg))
	if err := srv.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
