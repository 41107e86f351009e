package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/specialistvlad/keg/internal/build"
	"github.com/specialistvlad/keg/internal/config"
	"github.com/specialistvlad/keg/internal/ctxlog"
	"github.com/specialistvlad/keg/internal/fetch"
	"github.com/specialistvlad/keg/internal/formula"
	"github.com/specialistvlad/keg/internal/guard"
	"github.com/specialistvlad/keg/internal/install"
	"github.com/specialistvlad/keg/internal/metrics"
	"github.com/specialistvlad/keg/internal/resolve"
	"github.com/specialistvlad/keg/internal/store"
)

// Loader reads formula files into an index.
type Loader interface {
	Load(ctx context.Context, paths ...string) (*formula.Index, error)
}

// Streams are the standard streams of one invocation.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// Option customizes collaborators, mostly for tests.
type Option func(*App)

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f fetch.Fetcher) Option { return func(a *App) { a.fetcher = f } }

// WithCloner replaces the git cloner.
func WithCloner(c fetch.Cloner) Option { return func(a *App) { a.cloner = c } }

// WithSymbolizer replaces the debug-symbol tool.
func WithSymbolizer(s build.Symbolizer) Option { return func(a *App) { a.symbolizer = s } }

// App encapsulates the dependencies, configuration and lifecycle of one
// install invocation.
type App struct {
	streams Streams
	logger  *slog.Logger
	cfg     *Config
	env     config.Config

	index   *formula.Index
	metrics *metrics.Metrics
	cellar  *store.Cellar

	fetcher    fetch.Fetcher
	cloner     fetch.Cloner
	symbolizer build.Symbolizer
	installer  *install.Installer
}

// NewApp loads the formulae and builds the install pipeline. It returns an
// error when the formula files cannot be loaded.
func NewApp(streams Streams, cfg *Config, env config.Config, loader Loader, opts ...Option) (*App, error) {
	if streams.Err == nil {
		streams.Err = io.Discard
	}
	if streams.Out == nil {
		streams.Out = io.Discard
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, cfg.Verbose, streams.Err)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	a := &App{
		streams: streams,
		logger:  logger,
		cfg:     cfg,
		env:     env,
		metrics: metrics.New(),
		cellar:  store.New(store.Config{Cellar: env.Cellar, Prefix: env.Prefix}),
	}
	for _, opt := range opts {
		opt(a)
	}

	paths := env.FormulaPaths
	if len(cfg.FormulaPaths) > 0 {
		paths = cfg.FormulaPaths
	}
	index, err := loader.Load(ctx, paths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load formulae: %w", err)
	}
	a.index = index
	logger.Debug("Formulae loaded.", "count", index.Len(), "paths", paths)

	a.installer = a.newInstaller()
	return a, nil
}

func (a *App) newInstaller() *install.Installer {
	var buildOutput io.Writer
	if a.cfg.Verbose {
		buildOutput = a.streams.Err
	}

	deps := install.Deps{
		Resolver: resolve.New(a.index, resolve.Config{
			IgnoreDependencies: a.cfg.IgnoreDependencies,
			BottleTag:          a.env.BottleTag,
		}),
		Acquirer: fetch.New(fetch.Config{
			CacheDir:    a.env.Cache,
			Concurrency: a.env.DownloadConcurrency,
			BottleTag:   a.env.BottleTag,
		}, a.fetcher, a.cloner, a.metrics),
		Executor: build.New(build.Config{
			TmpDir:  filepath.Join(a.env.Cache, "tmp"),
			KeepTmp: a.env.KeepTmp,
			Output:  buildOutput,
		}, a.symbolizer, a.metrics),
		Store:    a.cellar,
		Guard:    guard.New(a.env.ForbiddenFormulae, a.env.ForbiddenSource),
		Reporter: &reporter{out: a.streams.Out, errW: a.streams.Err, color: a.cfg.Color},
		Metrics:  a.metrics,
	}
	if a.cfg.Ask {
		in := a.streams.In
		if in == nil {
			in = os.Stdin
		}
		deps.Confirmer = &install.PromptConfirmer{In: in, Out: a.streams.Err}
	}
	return install.New(install.Config{Ask: a.cfg.Ask}, deps)
}

// Index returns the loaded formulae. This is primarily for testing.
func (a *App) Index() *formula.Index { return a.index }

// Metrics returns the metrics of the run. This is primarily for testing.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Installer returns the installer. This is primarily for testing.
func (a *App) Installer() *install.Installer { return a.installer }
