// Package app assembles the engine stack shared by the CLI and the server:
// the format registry, the analysis catalogue, every executor, the data
// store and the engine itself.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/me/weft/internal/analysis"
	"github.com/me/weft/internal/backend"
	"github.com/me/weft/internal/backend/jsinterp"
	"github.com/me/weft/internal/backend/luainterp"
	"github.com/me/weft/internal/builtins"
	"github.com/me/weft/internal/config"
	"github.com/me/weft/internal/dataio"
	"github.com/me/weft/internal/engine"
	"github.com/me/weft/internal/formats"
	"github.com/me/weft/internal/parser"
	"github.com/me/weft/internal/registry"
)

// App is a fully wired engine stack.
type App struct {
	Registry   *registry.Registry
	Catalog    *analysis.Catalog
	Dispatcher *backend.Dispatcher
	Engine     *engine.Engine
	Data       *dataio.Store
	Parser     *parser.Parser
	Metrics    *engine.Metrics
}

type options struct {
	observers  []engine.Observer
	registerer prometheus.Registerer
	runners    []backend.ContainerRunner
	s3         dataio.S3API
	noFiles    bool
}

// Option configures New.
type Option func(*options)

// WithObserver adds an engine observer.
func WithObserver(o engine.Observer) Option {
	return func(opts *options) { opts.observers = append(opts.observers, o) }
}

// WithMetrics registers engine metrics with r.
func WithMetrics(r prometheus.Registerer) Option {
	return func(opts *options) { opts.registerer = r }
}

// WithContainerRunners replaces the docker and apptainer runners.
func WithContainerRunners(runners ...backend.ContainerRunner) Option {
	return func(opts *options) { opts.runners = runners }
}

// WithS3Client sets the S3 client instead of building one from cfg.S3Region.
func WithS3Client(c dataio.S3API) Option {
	return func(opts *options) { opts.s3 = c }
}

// WithoutLocalFiles rejects file locations in literals and pushes.
func WithoutLocalFiles() Option {
	return func(opts *options) { opts.noFiles = true }
}

// New builds the stack described by cfg. Analyses found in cfg.AnalysesDir
// are added to the catalogue after the built-in ones.
func New(ctx context.Context, cfg config.EngineConfig, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reg, err := formats.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("format registry: %w", err)
	}
	a := &App{
		Registry: reg,
		Catalog:  analysis.NewCatalog(),
		Parser:   parser.New(logger),
	}

	native := backend.NewNativeExecutor(logger)
	if err := builtins.Install(reg, a.Catalog, native); err != nil {
		return nil, err
	}
	if cfg.AnalysesDir != "" {
		defs, err := a.Parser.LoadAnalyses(cfg.AnalysesDir)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if _, err := a.Catalog.Add(reg, *def); err != nil {
				return nil, err
			}
		}
		logger.Info("analyses loaded", "dir", cfg.AnalysesDir, "count", len(defs))
	}

	runners := o.runners
	if runners == nil {
		runners = []backend.ContainerRunner{backend.NewDockerRunner(logger), backend.NewApptainerRunner(logger)}
	}
	a.Dispatcher = backend.NewDispatcher(logger)
	a.Dispatcher.Register(native)
	a.Dispatcher.Register(backend.NewInterpreterExecutor(logger, &jsinterp.Provider{}, &luainterp.Provider{}))
	a.Dispatcher.Register(backend.NewContainerExecutor(reg, cfg.WorkDir, cfg.ContainerRuntime, logger, runners...))

	dataOpts := []dataio.Option{}
	switch {
	case o.s3 != nil:
		dataOpts = append(dataOpts, dataio.WithS3Client(o.s3))
	case cfg.S3Region != "":
		client, err := dataio.NewS3Client(ctx, cfg.S3Region)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		dataOpts = append(dataOpts, dataio.WithS3Client(client))
	}
	a.Data = dataio.New(dataio.Config{
		HTTPTimeout:  cfg.HTTPTimeout,
		MaxRetries:   cfg.HTTPRetries,
		MaxBytes:     int64(cfg.MaxLiteralMB) << 20,
		NoLocalFiles: o.noFiles,
	}, logger, dataOpts...)

	engineOpts := []engine.Option{engine.WithFetcher(a.Data)}
	for _, obs := range o.observers {
		engineOpts = append(engineOpts, engine.WithObserver(obs))
	}
	if o.registerer != nil {
		m, err := engine.NewMetrics(o.registerer)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		a.Metrics = m
		engineOpts = append(engineOpts, engine.WithMetrics(m))
	}

	a.Engine = engine.New(reg, a.Catalog, a.Dispatcher, engine.Config{
		Workers:  cfg.Workers,
		FailFast: cfg.FailFast,
		MaxDepth: cfg.MaxDepth,
	}, logger, engineOpts...)
	return a, nil
}
