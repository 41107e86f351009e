package resolve

import (
	"fmt"
	"strings"

	"github.com/specialistvlad/keg/internal/formula"
)

// ArtifactKind is how a step obtains its installable bytes.
type ArtifactKind int

const (
	// KindBottle pours a prebuilt artifact.
	KindBottle ArtifactKind = iota
	// KindSource builds from a source archive.
	KindSource
	// KindHead builds from the tip of the version-controlled repository.
	KindHead
)

func (k ArtifactKind) String() string {
	switch k {
	case KindBottle:
		return "bottle"
	case KindSource:
		return "source"
	case KindHead:
		return "head"
	default:
		return fmt.Sprintf("ArtifactKind(%d)", int(k))
	}
}

// Step binds one formula to the way it will be installed.
type Step struct {
	Formula *formula.Formula
	Kind    ArtifactKind
	Options formula.OptionSet
	// Requested is true for formulae named by the user rather than pulled in
	// as dependencies.
	Requested bool
}

// Name is shorthand for the step's formula name.
func (s Step) Name() string { return s.Formula.Name() }

func (s Step) String() string {
	var b strings.Builder
	b.WriteString(s.Formula.String())
	b.WriteString(" (")
	b.WriteString(s.Kind.String())
	if s.Options.Len() > 0 {
		b.WriteString(" ")
		b.WriteString(s.Options.String())
	}
	b.WriteString(")")
	return b.String()
}

// Plan is the ordered install sequence; every dependency precedes its
// dependents.
type Plan struct {
	Steps []Step
}

// Names returns the formula names of the plan in order.
func (p *Plan) Names() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name()
	}
	return names
}

// Len is the number of steps.
func (p *Plan) Len() int { return len(p.Steps) }
