package install

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/specialistvlad/keg/internal/build"
	"github.com/specialistvlad/keg/internal/ctxlog"
	"github.com/specialistvlad/keg/internal/fetch"
	"github.com/specialistvlad/keg/internal/installerr"
	"github.com/specialistvlad/keg/internal/metrics"
	"github.com/specialistvlad/keg/internal/resolve"
	"github.com/specialistvlad/keg/internal/store"
)

// ErrDeclined is wrapped when the plan is not confirmed.
var ErrDeclined = errors.New("installation declined")

// Resolver plans an install.
type Resolver interface {
	Resolve(ctx context.Context, reqs ...resolve.Request) (*resolve.Plan, error)
}

// Acquirer starts background acquisition of plan steps.
type Acquirer interface {
	Prefetch(ctx context.Context, steps []resolve.Step) *fetch.Batch
}

// Executor pours bottles and builds sources.
type Executor interface {
	Build(ctx context.Context, req build.Request) (*build.Result, error)
	Pour(ctx context.Context, req build.PourRequest) error
}

// Store commits and links entries.
type Store interface {
	Lookup(name, versionID string) (*store.Entry, bool)
	Stage(name string) (*store.Staging, error)
	Commit(ctx context.Context, st *store.Staging, info store.CommitInfo) (*store.Entry, bool, error)
	Link(ctx context.Context, e *store.Entry) (*store.LinkResult, error)
}

// Guard rejects forbidden formulae.
type Guard interface {
	Check(name string) error
}

// Config controls an Installer.
type Config struct {
	// Ask requires the Confirmer to approve the plan.
	Ask bool
	// SkipDependencyGuard limits the forbidden check to requested names.
	SkipDependencyGuard bool
}

// Deps are the collaborators of an Installer. Guard, Confirmer, Reporter and
// Metrics are optional.
type Deps struct {
	Resolver  Resolver
	Acquirer  Acquirer
	Executor  Executor
	Store     Store
	Guard     Guard
	Confirmer Confirmer
	Reporter  Reporter
	Metrics   *metrics.Metrics
}

// Result lists what a successful run did.
type Result struct {
	Plan *resolve.Plan
	// Entries are the entries committed by this run, in plan order.
	Entries []*store.Entry
	// Skipped names steps satisfied by existing entries.
	Skipped []string
}

// Installer runs install requests. A single Installer runs one request at a
// time; State and Transitions may be read concurrently.
type Installer struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	run   sync.Mutex
	mu    sync.Mutex
	state State
	log   []Transition
}

// New returns an Installer.
func New(cfg Config, deps Deps) *Installer {
	if deps.Reporter == nil {
		deps.Reporter = NopReporter{}
	}
	return &Installer{cfg: cfg, deps: deps, now: time.Now}
}

// State is the current state of the run.
func (in *Installer) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Transitions returns the state log of the last run.
func (in *Installer) Transitions() []Transition {
	in.mu.Lock()
	defer in.mu.Unlock()
	return slices.Clone(in.log)
}

func (in *Installer) enter(ctx context.Context, to State, formula string) {
	in.mu.Lock()
	from := in.state
	in.state = to
	in.log = append(in.log, Transition{From: from, To: to, Formula: formula, At: in.now()})
	in.mu.Unlock()
	ctxlog.FromContext(ctx).Debug("Install state changed.", "from", from.String(), "to", to.String(), "formula", formula)
}

func (in *Installer) fail(ctx context.Context, err error) error {
	in.enter(ctx, StateFailed, formulaOf(err))
	in.deps.Metrics.RecordFailure(installerr.KindOf(err).String())
	return err
}

func formulaOf(err error) string {
	var ie *installerr.Error
	if errors.As(err, &ie) {
		return ie.Formula
	}
	return ""
}

// Install installs reqs and their dependencies. Every error is classified
// with an installerr.Kind; nothing has been fetched, built or written when
// the error is KindForbidden, KindResolution or KindDeclined.
func (in *Installer) Install(ctx context.Context, reqs ...resolve.Request) (*Result, error) {
	in.run.Lock()
	defer in.run.Unlock()

	in.mu.Lock()
	in.state, in.log = StateIdle, nil
	in.mu.Unlock()

	logger := ctxlog.FromContext(ctx)
	if len(reqs) == 0 {
		return nil, in.fail(ctx, installerr.Newf(installerr.KindResolution, "", "no formula requested"))
	}

	in.enter(ctx, StateForbidCheck, "")
	for _, r := range reqs {
		if err := in.check(r.Name); err != nil {
			return nil, in.fail(ctx, err)
		}
	}

	in.enter(ctx, StateResolve, "")
	plan, err := in.deps.Resolver.Resolve(ctx, reqs...)
	if err != nil {
		if installerr.KindOf(err) == installerr.KindUnknown {
			err = installerr.New(installerr.KindResolution, "", err)
		}
		return nil, in.fail(ctx, err)
	}
	if !in.cfg.SkipDependencyGuard {
		for _, s := range plan.Steps {
			if err := in.check(s.Name()); err != nil {
				return nil, in.fail(ctx, err)
			}
		}
	}
	in.deps.Reporter.Planned(plan)
	logger.Info("Resolved install plan.", "steps", plan.Names())

	if in.cfg.Ask {
		in.enter(ctx, StateConfirm, "")
		if err := in.confirm(ctx, plan); err != nil {
			return nil, in.fail(ctx, err)
		}
	}

	res := &Result{Plan: plan}
	var pending []resolve.Step
	for _, s := range plan.Steps {
		if s.Kind != resolve.KindHead {
			if e, ok := in.deps.Store.Lookup(s.Name(), s.Formula.Version()); ok {
				in.skip(ctx, res, s, e)
				continue
			}
		}
		pending = append(pending, s)
	}

	if len(pending) > 0 {
		if err := in.installSteps(ctx, res, pending); err != nil {
			return nil, in.fail(ctx, err)
		}
	}

	in.enter(ctx, StateDone, "")
	logger.Info("Install finished.", "installed", len(res.Entries), "skipped", len(res.Skipped))
	return res, nil
}

func (in *Installer) check(name string) error {
	if in.deps.Guard == nil {
		return nil
	}
	return in.deps.Guard.Check(name)
}

func (in *Installer) confirm(ctx context.Context, plan *resolve.Plan) error {
	if in.deps.Confirmer == nil {
		return installerr.Newf(installerr.KindDeclined, "", "%w: confirmation requested but no way to ask", ErrDeclined)
	}
	ok, err := in.deps.Confirmer.Confirm(ctx, plan)
	if err != nil {
		return installerr.New(installerr.KindDeclined, "", fmt.Errorf("%w: %v", ErrDeclined, err))
	}
	if !ok {
		return installerr.New(installerr.KindDeclined, "", ErrDeclined)
	}
	return nil
}

func (in *Installer) skip(ctx context.Context, res *Result, s resolve.Step, e *store.Entry) {
	ctxlog.FromContext(ctx).Info("Already installed.", "formula", s.Name(), "path", e.Path)
	res.Skipped = append(res.Skipped, s.Name())
	in.deps.Metrics.RecordSkipped()
	in.deps.Reporter.Skipped(s, e)
}

// installSteps walks the pending steps in order while their artifacts are
// acquired in the background.
func (in *Installer) installSteps(ctx context.Context, res *Result, steps []resolve.Step) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batch := in.deps.Acquirer.Prefetch(ctx, steps)
	defer batch.Close()

	for i, s := range steps {
		in.enter(ctx, StateAcquire, s.Name())
		art, err := batch.Wait(ctx, i)
		if err != nil {
			if installerr.KindOf(err) == installerr.KindUnknown {
				err = installerr.New(installerr.KindDownload, s.Name(), err)
			}
			return err
		}

		if s.Kind == resolve.KindHead {
			if e, ok := in.deps.Store.Lookup(s.Name(), art.VersionID); ok {
				_ = art.Release()
				in.skip(ctx, res, s, e)
				continue
			}
		}

		entry, err := in.installStep(ctx, s, art)
		_ = art.Release()
		if err != nil {
			return err
		}
		if entry != nil {
			res.Entries = append(res.Entries, entry)
		}
	}
	return nil
}

// installStep pours or builds one step, commits it and links it.
func (in *Installer) installStep(ctx context.Context, s resolve.Step, art *fetch.Artifact) (*store.Entry, error) {
	name := s.Name()
	logger := ctxlog.FromContext(ctx).With("formula", name, "kind", s.Kind.String())
	ctx = ctxlog.WithLogger(ctx, logger)

	in.enter(ctx, StateBuildOrExtract, name)
	st, err := in.deps.Store.Stage(name)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = st.Discard()
		}
	}()

	in.deps.Reporter.Started(s, art)
	if s.Kind == resolve.KindBottle {
		logger.Info("Pouring bottle.", "path", art.Path)
		err = in.deps.Executor.Pour(ctx, build.PourRequest{
			Formula:         s.Formula,
			Archive:         art.Path,
			Name:            art.Name,
			StripComponents: art.StripComponents,
			StageDir:        st.Dir,
		})
	} else {
		logger.Info("Building from source.", "path", art.Path, "options", s.Options.Names())
		_, err = in.deps.Executor.Build(ctx, build.Request{
			Formula:         s.Formula,
			Source:          art.Path,
			SourceName:      art.Name,
			StripComponents: art.StripComponents,
			Options:         s.Options,
			StageDir:        st.Dir,
			Version:         art.VersionID,
		})
	}
	if err != nil {
		return nil, err
	}

	in.enter(ctx, StateStageAndLink, name)
	deps := make([]string, 0, len(s.Formula.Dependencies()))
	for _, d := range s.Formula.Dependencies() {
		deps = append(deps, d.Name)
	}
	committed = true
	entry, existed, err := in.deps.Store.Commit(ctx, st, store.CommitInfo{
		Formula:      s.Formula,
		VersionID:    art.VersionID,
		Kind:         s.Kind.String(),
		Options:      s.Options.Names(),
		Revision:     art.Revision,
		URL:          art.URL,
		SHA256:       art.SHA256,
		Requested:    s.Requested,
		Dependencies: deps,
	})
	if err != nil {
		return nil, err
	}
	if existed {
		logger.Info("Entry was installed concurrently.", "path", entry.Path)
		return entry, nil
	}

	link, err := in.deps.Store.Link(ctx, entry)
	if err != nil {
		return nil, err
	}
	in.deps.Metrics.RecordInstall(s.Kind.String())
	logger.Info("Installed.", "path", entry.Path, "linked", !link.Skipped)
	in.deps.Reporter.Installed(s, entry, link)
	return entry, nil
}
