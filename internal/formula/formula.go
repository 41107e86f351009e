package formula

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"runtime"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/hcl/v2"
)

// HeadVersion is the version reported by a formula that only has a head spec.
const HeadVersion = "HEAD"

// AnyPlatform is the bottle tag matching every platform.
const AnyPlatform = "all"

// DebugSymbols is the build option requesting a debug-symbol bundle. Every
// formula recognizes it.
const DebugSymbols = "debug-symbols"

var (
	nameRegex   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9+_.@-]*$`)
	optionRegex = regexp.MustCompile(`^with(out)?-[A-Za-z0-9][A-Za-z0-9_-]*$`)
	sha256Regex = regexp.MustCompile(`^[0-9a-f]{64}$`)

	// ErrInvalid is wrapped by every validation failure returned from New.
	ErrInvalid = errors.New("invalid formula")
)

// Artifact locates a downloadable archive and the checksum it must match.
type Artifact struct {
	URL             string
	SHA256          string
	StripComponents int
}

// HeadSpec locates the version-controlled repository of a head install.
type HeadSpec struct {
	URL    string
	Branch string
}

// Dependency references another formula by name.
type Dependency struct {
	Name string
	// Options are passed on to the dependency's own build.
	Options []string
	// Constraint is an optional semantic version constraint on the
	// dependency's version, e.g. ">= 1.2".
	Constraint string
	// Build marks a dependency needed only when building from source.
	Build bool
}

// Option is a recognized build-option flag.
type Option struct {
	Name        string
	Description string
}

// Step is one declarative action of a build procedure.
type Step struct {
	Action string
	Attrs  map[string]hcl.Expression
	// OnlyIf names an option that must be enabled for the step to run.
	OnlyIf string
	// Unless names an option that must not be enabled for the step to run.
	Unless string
}

// Actions understood by the build executor.
var Actions = []string{"run", "install", "mkdir", "write", "symlink"}

// Spec is the mutable input from which a Formula is built.
type Spec struct {
	Name          string
	Version       string
	Desc          string
	Homepage      string
	Dependencies  []Dependency
	Bottles       map[string]Artifact
	Source        *Artifact
	Head          *HeadSpec
	Options       []Option
	KegOnly       bool
	KegOnlyReason string
	Steps         []Step
	// Path is the file the descriptor was loaded from, if any.
	Path string
}

// Formula is the validated, immutable package descriptor.
type Formula struct {
	spec Spec
}

// New validates spec and returns an immutable Formula holding a deep copy.
func New(spec Spec) (*Formula, error) {
	if err := validate(&spec); err != nil {
		return nil, err
	}
	return &Formula{spec: clone(spec)}, nil
}

// MustNew is New for tests and static tables; it panics on invalid specs.
func MustNew(spec Spec) *Formula {
	f, err := New(spec)
	if err != nil {
		panic(err)
	}
	return f
}

// ValidName reports whether name can name a formula.
func ValidName(name string) bool { return nameRegex.MatchString(name) }

// ValidVersionID reports whether v can name a store entry directory: a
// single path element other than "." and "..".
func ValidVersionID(v string) bool {
	if v == "" || v == "." || v == ".." {
		return false
	}
	return !strings.ContainsAny(v, "/\\ \t\n\x00")
}

func invalidf(name, format string, args ...any) error {
	return fmt.Errorf("%w %q: %s", ErrInvalid, name, fmt.Sprintf(format, args...))
}

func validate(s *Spec) error {
	if !nameRegex.MatchString(s.Name) {
		return invalidf(s.Name, "name must match %s", nameRegex)
	}
	if s.Source == nil && s.Head == nil && len(s.Bottles) == 0 {
		return invalidf(s.Name, "no source, head or bottle declared")
	}
	if s.Version == "" && s.Head == nil {
		return invalidf(s.Name, "version is required unless a head is declared")
	}
	if s.Version != "" && !ValidVersionID(s.Version) {
		return invalidf(s.Name, "version %q is not a single path element", s.Version)
	}
	if s.Source != nil {
		if err := validateArtifact(s.Name, "source", *s.Source); err != nil {
			return err
		}
	}
	for tag, b := range s.Bottles {
		if err := validateArtifact(s.Name, "bottle "+tag, b); err != nil {
			return err
		}
	}
	if s.Head != nil && s.Head.URL == "" {
		return invalidf(s.Name, "head has no url")
	}
	seenDeps := make(map[string]struct{}, len(s.Dependencies))
	for _, d := range s.Dependencies {
		if d.Name == s.Name {
			return invalidf(s.Name, "formula depends on itself")
		}
		if !nameRegex.MatchString(d.Name) {
			return invalidf(s.Name, "dependency name %q is not valid", d.Name)
		}
		if _, dup := seenDeps[d.Name]; dup {
			return invalidf(s.Name, "dependency %q declared twice", d.Name)
		}
		seenDeps[d.Name] = struct{}{}
		if d.Constraint != "" {
			if _, err := semver.NewConstraint(d.Constraint); err != nil {
				return invalidf(s.Name, "dependency %q: %v", d.Name, err)
			}
		}
	}
	for _, o := range s.Options {
		if !optionRegex.MatchString(o.Name) {
			return invalidf(s.Name, "option %q must be with-<name> or without-<name>", o.Name)
		}
	}
	for i, st := range s.Steps {
		if !slices.Contains(Actions, st.Action) {
			return invalidf(s.Name, "build step %d: unknown action %q", i, st.Action)
		}
	}
	return nil
}

func validateArtifact(name, what string, a Artifact) error {
	if a.URL == "" {
		return invalidf(name, "%s has no url", what)
	}
	if !sha256Regex.MatchString(a.SHA256) {
		return invalidf(name, "%s sha256 must be 64 lowercase hex characters", what)
	}
	if a.StripComponents < 0 {
		return invalidf(name, "%s strip_components is negative", what)
	}
	return nil
}

func clone(s Spec) Spec {
	out := s
	out.Dependencies = make([]Dependency, len(s.Dependencies))
	for i, d := range s.Dependencies {
		d.Options = slices.Clone(d.Options)
		out.Dependencies[i] = d
	}
	out.Bottles = maps.Clone(s.Bottles)
	if s.Source != nil {
		src := *s.Source
		out.Source = &src
	}
	if s.Head != nil {
		head := *s.Head
		out.Head = &head
	}
	out.Options = slices.Clone(s.Options)
	out.Steps = make([]Step, len(s.Steps))
	for i, st := range s.Steps {
		st.Attrs = maps.Clone(st.Attrs)
		out.Steps[i] = st
	}
	return out
}

// Name is the formula's identity.
func (f *Formula) Name() string { return f.spec.Name }

// Version is the declared version, or HeadVersion for head-only formulae.
func (f *Formula) Version() string {
	if f.spec.Version == "" {
		return HeadVersion
	}
	return f.spec.Version
}

// Desc is the one-line description.
func (f *Formula) Desc() string { return f.spec.Desc }

// Homepage is the project homepage.
func (f *Formula) Homepage() string { return f.spec.Homepage }

// Path is the file the formula was loaded from.
func (f *Formula) Path() string { return f.spec.Path }

// Dependencies returns the dependency references in declaration order.
func (f *Formula) Dependencies() []Dependency {
	out := make([]Dependency, len(f.spec.Dependencies))
	for i, d := range f.spec.Dependencies {
		d.Options = slices.Clone(d.Options)
		out[i] = d
	}
	return out
}

// Source returns the source archive location.
func (f *Formula) Source() (Artifact, bool) {
	if f.spec.Source == nil {
		return Artifact{}, false
	}
	return *f.spec.Source, true
}

// Head returns the head repository location.
func (f *Formula) Head() (HeadSpec, bool) {
	if f.spec.Head == nil {
		return HeadSpec{}, false
	}
	return *f.spec.Head, true
}

// Bottles returns every declared bottle keyed by platform tag.
func (f *Formula) Bottles() map[string]Artifact { return maps.Clone(f.spec.Bottles) }

// Bottle returns the bottle for tag, falling back to an AnyPlatform bottle.
func (f *Formula) Bottle(tag string) (Artifact, bool) {
	if b, ok := f.spec.Bottles[tag]; ok {
		return b, true
	}
	b, ok := f.spec.Bottles[AnyPlatform]
	return b, ok
}

// Options returns the recognized build options.
func (f *Formula) Options() []Option { return slices.Clone(f.spec.Options) }

// Recognizes reports whether name is a build option of this formula.
func (f *Formula) Recognizes(name string) bool {
	if name == DebugSymbols {
		return true
	}
	for _, o := range f.spec.Options {
		if o.Name == name {
			return true
		}
	}
	return false
}

// KegOnly reports the restricted-linking flag and its reason.
func (f *Formula) KegOnly() (bool, string) { return f.spec.KegOnly, f.spec.KegOnlyReason }

// BuildSteps returns the declarative build procedure.
func (f *Formula) BuildSteps() []Step {
	out := make([]Step, len(f.spec.Steps))
	for i, st := range f.spec.Steps {
		st.Attrs = maps.Clone(st.Attrs)
		out[i] = st
	}
	return out
}

func (f *Formula) String() string {
	return f.spec.Name + " " + f.Version()
}

// PlatformTag is the bottle tag of the running platform.
func PlatformTag() string {
	return runtime.GOOS + "_" + runtime.GOARCH
}
