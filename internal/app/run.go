package app

import (
	"context"

	"github.com/specialistvlad/keg/internal/ctxlog"
	"github.com/specialistvlad/keg/internal/formula"
	"github.com/specialistvlad/keg/internal/install"
	"github.com/specialistvlad/keg/internal/resolve"
)

// Run installs the configured targets. The returned error carries an
// installerr.Kind for install failures.
func (a *App) Run(ctx context.Context) (*install.Result, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.", "targets", a.cfg.Targets)

	if err := a.cellar.Prune(ctx); err != nil {
		a.logger.Warn("Could not prune staging directories.", "error", err)
	}

	res, err := a.installer.Install(ctx, a.requests()...)
	if err != nil {
		a.logger.Debug("Install failed.", "error", err, "state", a.installer.State().String())
	} else {
		a.logger.Debug("Install succeeded.", "installed", len(res.Entries), "skipped", res.Skipped)
	}

	if a.env.MetricsFile != "" {
		if werr := a.metrics.WriteTextfile(a.env.MetricsFile); werr != nil {
			a.logger.Warn("Could not write metrics file.", "path", a.env.MetricsFile, "error", werr)
		} else {
			a.logger.Debug("Metrics written.", "path", a.env.MetricsFile)
		}
	}

	a.logger.Debug("App.Run method finished.")
	return res, err
}

// requests turns the targets into resolver requests. Options, head and
// build-from-source apply to every target but not to their dependencies.
func (a *App) requests() []resolve.Request {
	names := append([]string(nil), a.cfg.Options...)
	if a.cfg.DebugSymbols {
		names = append(names, formula.DebugSymbols)
	}
	opts := formula.NewOptionSet(names...)

	reqs := make([]resolve.Request, 0, len(a.cfg.Targets))
	for _, t := range a.cfg.Targets {
		reqs = append(reqs, resolve.Request{
			Name:            t,
			Options:         opts,
			Head:            a.cfg.Head,
			BuildFromSource: a.cfg.BuildFromSource,
		})
	}
	return reqs
}
