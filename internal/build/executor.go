package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/specialistvlad/keg/internal/archive"
	"github.com/specialistvlad/keg/internal/ctxlog"
	"github.com/specialistvlad/keg/internal/formula"
	"github.com/specialistvlad/keg/internal/fsutil"
	"github.com/specialistvlad/keg/internal/installerr"
	"github.com/specialistvlad/keg/internal/metrics"
)

// ErrEmptyInstall is returned when a build or pour leaves nothing staged.
var ErrEmptyInstall = errors.New("empty installation")

// Config controls the executor.
type Config struct {
	// TmpDir holds the per-build working directories; os.TempDir() when empty.
	TmpDir string
	// KeepTmp keeps working directories after the build.
	KeepTmp bool
	// Output, when set, receives the combined output of run steps as it is
	// produced.
	Output io.Writer
}

// Request describes one source or head build.
type Request struct {
	Formula *formula.Formula
	// Source is the archive or checkout directory to build from.
	Source string
	// SourceName is the file name used when Source is not an archive.
	SourceName      string
	StripComponents int
	Options         formula.OptionSet
	// StageDir receives the installed tree; it becomes ${prefix}.
	StageDir string
	// Version is the version the build is installed as.
	Version string
}

// PourRequest describes extracting a bottle.
type PourRequest struct {
	Formula         *formula.Formula
	Archive         string
	Name            string
	StripComponents int
	StageDir        string
}

// Result summarizes a finished build.
type Result struct {
	StageDir     string
	Duration     time.Duration
	StepsRun     int
	StepsSkipped int
	// DebugSymbols lists the debug-symbol bundles that were produced.
	DebugSymbols []string
}

// Executor runs builds and pours.
type Executor struct {
	cfg        Config
	symbolizer Symbolizer
	metrics    *metrics.Metrics
}

// New returns an executor. A nil symbolizer selects Dsymutil; m may be nil.
func New(cfg Config, symbolizer Symbolizer, m *metrics.Metrics) *Executor {
	if symbolizer == nil {
		symbolizer = &Dsymutil{}
	}
	return &Executor{cfg: cfg, symbolizer: symbolizer, metrics: m}
}

// Build unpacks the source into a fresh working directory and interprets the
// formula's build steps. Failures are reported as installerr.KindBuildFailed.
func (e *Executor) Build(ctx context.Context, req Request) (*Result, error) {
	name := req.Formula.Name()
	logger := ctxlog.FromContext(ctx).With("formula", name)
	ctx = ctxlog.WithLogger(ctx, logger)
	start := time.Now()

	res, err := e.build(ctx, req)
	duration := time.Since(start)
	e.metrics.RecordBuild(duration, err == nil)
	if err != nil {
		logger.Debug("Build failed.", "error", err, "duration", duration)
		return nil, installerr.New(installerr.KindBuildFailed, name, err)
	}
	res.Duration = duration
	logger.Debug("Build finished.", "duration", duration, "steps_run", res.StepsRun, "steps_skipped", res.StepsSkipped)
	return res, nil
}

func (e *Executor) build(ctx context.Context, req Request) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	if e.cfg.TmpDir != "" {
		if err := os.MkdirAll(e.cfg.TmpDir, 0o755); err != nil {
			return nil, err
		}
	}
	work, err := os.MkdirTemp(e.cfg.TmpDir, req.Formula.Name()+"-build-")
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	if e.cfg.KeepTmp {
		logger.Info("Keeping build directory.", "path", work)
	} else {
		defer os.RemoveAll(work)
	}

	buildpath, err := unpackSource(ctx, req, filepath.Join(work, "src"))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.StageDir, 0o755); err != nil {
		return nil, err
	}

	version := req.Version
	if version == "" {
		version = req.Formula.Version()
	}
	scope := newScope(req.Formula, version, req.Options, req.StageDir, buildpath)
	res := &Result{StageDir: req.StageDir}
	for i, step := range req.Formula.BuildSteps() {
		if !enabled(step, req.Options) {
			logger.Debug("Skipping gated build step.", "step", i, "action", step.Action, "only_if", step.OnlyIf, "unless", step.Unless)
			res.StepsSkipped++
			continue
		}
		logger.Debug("Running build step.", "step", i, "action", step.Action)
		if err := e.runStep(ctx, scope, step); err != nil {
			se := &StepError{Index: i, Action: step.Action, Err: err}
			var ce *commandError
			if errors.As(err, &ce) {
				se.Err, se.Output = ce.err, ce.output
			}
			return nil, se
		}
		res.StepsRun++
	}

	if empty, err := fsutil.IsDirEmpty(req.StageDir); err != nil {
		return nil, err
	} else if empty {
		return nil, ErrEmptyInstall
	}

	if req.Options.Has(formula.DebugSymbols) {
		bundles, err := e.debugSymbols(ctx, filepath.Join(req.StageDir, "bin"))
		if err != nil {
			return nil, err
		}
		res.DebugSymbols = bundles
	}
	return res, nil
}

// unpackSource places the source tree under dir and returns the directory
// the build runs in.
func unpackSource(ctx context.Context, req Request, dir string) (string, error) {
	info, err := os.Stat(req.Source)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	if info.IsDir() {
		if err := copyTree(req.Source, dir, true); err != nil {
			return "", fmt.Errorf("copy source: %w", err)
		}
		return dir, nil
	}
	if _, err := archive.Extract(ctx, req.Source, dir, archive.Options{
		StripComponents: req.StripComponents,
		Name:            req.SourceName,
	}); err != nil {
		return "", err
	}
	return archive.Root(dir)
}

// Pour extracts a bottle into the staging directory. Bottles laid out as
// <name>/<version>/... are unwrapped. Failures are reported as
// installerr.KindStaging.
func (e *Executor) Pour(ctx context.Context, req PourRequest) error {
	name := req.Formula.Name()
	logger := ctxlog.FromContext(ctx).With("formula", name)

	format, err := archive.Extract(ctx, req.Archive, req.StageDir, archive.Options{
		StripComponents: req.StripComponents,
		Name:            req.Name,
	})
	if err != nil {
		return installerr.New(installerr.KindStaging, name, fmt.Errorf("pour bottle: %w", err))
	}
	if err := unwrapBottle(req.StageDir, name, req.Formula.Version()); err != nil {
		return installerr.New(installerr.KindStaging, name, fmt.Errorf("pour bottle: %w", err))
	}
	if empty, err := fsutil.IsDirEmpty(req.StageDir); err != nil || empty {
		if err == nil {
			err = ErrEmptyInstall
		}
		return installerr.New(installerr.KindStaging, name, err)
	}
	logger.Debug("Poured bottle.", "format", format.String(), "path", req.StageDir)
	return nil
}

// unwrapBottle hoists <stage>/<name>/<version>/* into <stage> when that is
// the only content.
func unwrapBottle(stage, name, version string) error {
	inner := filepath.Join(stage, name, version)
	entries, err := os.ReadDir(stage)
	if err != nil {
		return err
	}
	if len(entries) != 1 || entries[0].Name() != name {
		return nil
	}
	if info, err := os.Stat(inner); err != nil || !info.IsDir() {
		return nil
	}
	children, err := os.ReadDir(inner)
	if err != nil {
		return err
	}
	top := filepath.Join(stage, name)
	hold := filepath.Join(stage, ".pour-"+name)
	if err := os.Rename(top, hold); err != nil {
		return err
	}
	src := filepath.Join(hold, version)
	for _, c := range children {
		if err := os.Rename(filepath.Join(src, c.Name()), filepath.Join(stage, c.Name())); err != nil {
			return err
		}
	}
	return os.RemoveAll(hold)
}
