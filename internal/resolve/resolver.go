// Package resolve orders requested formulae and their transitive
// dependencies into an install plan and decides, per step, which artifact
// kind will be used.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/specialistvlad/keg/internal/ctxlog"
	"github.com/specialistvlad/keg/internal/dag"
	"github.com/specialistvlad/keg/internal/formula"
	"github.com/specialistvlad/keg/internal/installerr"
)

var (
	ErrCyclicDependency      = errors.New("cyclic dependency")
	ErrMissingDependency     = errors.New("no available formula")
	ErrUnsatisfiedConstraint = errors.New("unsatisfied version constraint")
	ErrNoArtifact            = errors.New("no installable artifact")
)

// Lookup finds descriptors by name.
type Lookup interface {
	Lookup(name string) (*formula.Formula, bool)
}

// Suggester is optionally implemented by a Lookup to offer near-miss names.
type Suggester interface {
	Suggest(name string) []string
}

// Request is one formula named by the user.
type Request struct {
	Name            string
	Options         formula.OptionSet
	Head            bool
	BuildFromSource bool
}

// Config controls resolution.
type Config struct {
	IgnoreDependencies bool
	// BottleTag selects the platform bottle; defaults to formula.PlatformTag().
	BottleTag string
}

// Resolver produces install plans. It has no side effects.
type Resolver struct {
	lookup Lookup
	cfg    Config
}

// New returns a resolver backed by lookup.
func New(lookup Lookup, cfg Config) *Resolver {
	if cfg.BottleTag == "" {
		cfg.BottleTag = formula.PlatformTag()
	}
	return &Resolver{lookup: lookup, cfg: cfg}
}

// Resolve returns the plan installing every request and, unless dependencies
// are ignored, their transitive dependencies. Each formula appears once even
// when reachable through several paths.
func (r *Resolver) Resolve(ctx context.Context, reqs ...Request) (*Plan, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Resolving install plan.", "requests", len(reqs), "ignore_dependencies", r.cfg.IgnoreDependencies)

	graph := dag.New()
	formulae := make(map[string]*formula.Formula)
	options := make(map[string]formula.OptionSet)
	requested := make(map[string]*Request)
	edges := make(map[string][]edge)
	var roots []string

	for i := range reqs {
		req := &reqs[i]
		f, err := r.find(req.Name, "")
		if err != nil {
			return nil, err
		}
		name := f.Name()
		if _, dup := requested[name]; dup {
			continue
		}
		requested[name] = req
		roots = append(roots, name)
		formulae[name] = f
		if unknown := req.Options.Unrecognized(f); len(unknown) > 0 {
			logger.Warn("Ignoring options the formula does not declare.", "formula", name, "options", unknown)
		}
		options[name] = options[name].Union(req.Options.Recognized(f))
		graph.AddNode(name)
	}

	if !r.cfg.IgnoreDependencies {
		queue := append([]string(nil), roots...)
		visited := make(map[string]bool)
		for len(queue) > 0 {
			name := queue[0]
			queue = queue[1:]
			if visited[name] {
				continue
			}
			visited[name] = true

			f := formulae[name]
			for _, dep := range f.Dependencies() {
				depF, err := r.find(dep.Name, name)
				if err != nil {
					return nil, err
				}
				if err := checkConstraint(name, dep, depF); err != nil {
					return nil, err
				}
				depName := depF.Name()
				formulae[depName] = depF
				depOpts := formula.NewOptionSet(dep.Options...)
				if unknown := depOpts.Unrecognized(depF); len(unknown) > 0 {
					logger.Warn("Ignoring dependency options the formula does not declare.", "formula", name, "dependency", depName, "options", unknown)
				}
				options[depName] = options[depName].Union(depOpts.Recognized(depF))
				graph.AddNode(depName)
				edges[name] = append(edges[name], edge{to: depName, build: dep.Build})
				if err := graph.AddEdge(depName, name); err != nil {
					return nil, installerr.New(installerr.KindResolution, name, err)
				}
				logger.Debug("Resolved dependency edge.", "formula", name, "dependency", depName)
				queue = append(queue, depName)
			}
		}
	}

	order, err := graph.SortFrom(roots...)
	if err != nil {
		var cycle *dag.CycleError
		if errors.As(err, &cycle) {
			return nil, installerr.New(installerr.KindResolution, cycle.Path[0],
				fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cycle.Path, " -> ")))
		}
		return nil, installerr.New(installerr.KindResolution, "", err)
	}

	kinds, err := r.assignKinds(roots, formulae, requested, options, edges)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Steps: make([]Step, 0, len(kinds))}
	for _, name := range order {
		kind, needed := kinds[name]
		if !needed {
			logger.Debug("Skipping build-only dependency of a bottle.", "formula", name)
			continue
		}
		plan.Steps = append(plan.Steps, Step{
			Formula:   formulae[name],
			Kind:      kind,
			Options:   options[name],
			Requested: requested[name] != nil,
		})
	}

	logger.Debug("Install plan resolved.", "steps", plan.Names())
	return plan, nil
}

type edge struct {
	to    string
	build bool
}

// assignKinds decides the artifact kind of every formula reachable from
// roots. Build-only dependencies are followed only from formulae that will be
// built.
func (r *Resolver) assignKinds(
	roots []string,
	formulae map[string]*formula.Formula,
	requested map[string]*Request,
	options map[string]formula.OptionSet,
	edges map[string][]edge,
) (map[string]ArtifactKind, error) {
	kinds := make(map[string]ArtifactKind, len(formulae))
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, done := kinds[name]; done {
			continue
		}
		kind, err := r.kindFor(formulae[name], requested[name], options[name])
		if err != nil {
			return nil, err
		}
		kinds[name] = kind
		for _, e := range edges[name] {
			if e.build && kind == KindBottle {
				continue
			}
			queue = append(queue, e.to)
		}
	}
	return kinds, nil
}

func (r *Resolver) find(name, dependent string) (*formula.Formula, error) {
	if f, ok := r.lookup.Lookup(name); ok {
		return f, nil
	}
	msg := fmt.Sprintf("%v with the name %q", ErrMissingDependency, name)
	if dependent != "" {
		msg += fmt.Sprintf(" (required by %s)", dependent)
	}
	if s, ok := r.lookup.(Suggester); ok {
		if similar := s.Suggest(name); len(similar) > 0 {
			msg += ". Did you mean " + strings.Join(similar, ", ") + "?"
		}
	}
	owner := dependent
	if owner == "" {
		owner = name
	}
	return nil, installerr.New(installerr.KindResolution, owner, &missingError{msg: msg})
}

type missingError struct{ msg string }

func (e *missingError) Error() string { return e.msg }
func (e *missingError) Unwrap() error { return ErrMissingDependency }

func checkConstraint(dependent string, dep formula.Dependency, f *formula.Formula) error {
	if dep.Constraint == "" {
		return nil
	}
	if _, isHead := f.Head(); isHead && f.Version() == formula.HeadVersion {
		return nil
	}
	c, err := semver.NewConstraint(dep.Constraint)
	if err != nil {
		return installerr.Newf(installerr.KindResolution, dependent, "%w: %s: %v", ErrUnsatisfiedConstraint, dep.Name, err)
	}
	v, err := semver.NewVersion(f.Version())
	if err != nil {
		return installerr.Newf(installerr.KindResolution, dependent,
			"%w: %s version %q is not a semantic version", ErrUnsatisfiedConstraint, dep.Name, f.Version())
	}
	if !c.Check(v) {
		return installerr.Newf(installerr.KindResolution, dependent,
			"%w: %s %s does not satisfy %q", ErrUnsatisfiedConstraint, dep.Name, f.Version(), dep.Constraint)
	}
	return nil
}

// kindFor applies the artifact policy: head when asked for (or when it is the
// only location), source when forced or when options differ from the
// defaults a bottle is built with, otherwise the platform bottle if any.
func (r *Resolver) kindFor(f *formula.Formula, req *Request, opts formula.OptionSet) (ArtifactKind, error) {
	_, hasHead := f.Head()
	src, hasSource := f.Source()
	_, hasBottle := f.Bottle(r.cfg.BottleTag)

	if req != nil && req.Head {
		if !hasHead {
			return 0, installerr.Newf(installerr.KindResolution, f.Name(), "%w: no head is defined", ErrNoArtifact)
		}
		return KindHead, nil
	}
	if !hasSource && !hasBottle && hasHead {
		return KindHead, nil
	}

	forceSource := (req != nil && req.BuildFromSource) || opts.Len() > 0
	if !forceSource && hasBottle {
		return KindBottle, nil
	}
	if hasSource && src.URL != "" {
		return KindSource, nil
	}
	if hasBottle {
		return 0, installerr.Newf(installerr.KindResolution, f.Name(),
			"%w: building from source was requested but no source is defined", ErrNoArtifact)
	}
	return 0, installerr.Newf(installerr.KindResolution, f.Name(),
		"%w: no bottle for %s and no source is defined", ErrNoArtifact, r.cfg.BottleTag)
}
