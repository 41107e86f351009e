package hcl

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/keg/internal/ctxlog"
	"github.com/specialistvlad/keg/internal/formula"
	"github.com/specialistvlad/keg/internal/fsutil"
)

// Extension is the file extension of formula files.
const Extension = ".hcl"

// Loader parses formula files into a formula.Index.
type Loader struct {
	parser *hclparse.Parser
}

// NewLoader creates a new formula loader.
func NewLoader() *Loader {
	return &Loader{parser: hclparse.NewParser()}
}

// Load parses every formula file found under paths. Directories are searched
// recursively and paths that do not exist are ignored. A formula name
// declared in two files is an error.
func (l *Loader) Load(ctx context.Context, paths ...string) (*formula.Index, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Formula loader started.", "path_count", len(paths))

	files, err := fsutil.CollectFiles(Extension, paths...)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered formula files.", "count", len(files))

	idx, err := formula.NewIndex()
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read formula file %s: %w", file, err)
		}
		fs, err := l.Parse(file, src)
		if err != nil {
			return nil, err
		}
		for _, f := range fs {
			if err := idx.Add(f); err != nil {
				return nil, err
			}
		}
	}

	logger.Debug("Formula loading complete.", "formulae", idx.Len())
	return idx, nil
}

// Parse decodes the formulae declared in src. filename is used in
// diagnostics and recorded as each formula's path.
func (l *Loader) Parse(filename string, src []byte) ([]*formula.Formula, error) {
	file, diags := l.parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse formula file %s: %w", filename, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode formula file %s: %w", filename, diags)
	}

	out := make([]*formula.Formula, 0, len(root.Formulae))
	for _, fb := range root.Formulae {
		spec, err := translateFormula(fb)
		if err != nil {
			return nil, fmt.Errorf("formula file %s: %w", filename, err)
		}
		spec.Path = filename
		f, err := formula.New(spec)
		if err != nil {
			return nil, fmt.Errorf("formula file %s: %w", filename, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// translateFormula converts the HCL schema into a formula.Spec.
func translateFormula(fb *formulaBlock) (formula.Spec, error) {
	spec := formula.Spec{
		Name:          fb.Name,
		Version:       fb.Version,
		Desc:          fb.Desc,
		Homepage:      fb.Homepage,
		KegOnly:       fb.KegOnly,
		KegOnlyReason: fb.KegOnlyReason,
	}
	for _, d := range fb.Dependencies {
		spec.Dependencies = append(spec.Dependencies, formula.Dependency{
			Name:       d.Name,
			Options:    d.Options,
			Constraint: d.Version,
			Build:      d.Build,
		})
	}
	for _, o := range fb.Options {
		spec.Options = append(spec.Options, formula.Option{Name: o.Name, Description: o.Description})
	}
	if fb.Source != nil {
		spec.Source = &formula.Artifact{
			URL:             fb.Source.URL,
			SHA256:          fb.Source.SHA256,
			StripComponents: fb.Source.StripComponents,
		}
	}
	if len(fb.Bottles) > 0 {
		spec.Bottles = make(map[string]formula.Artifact, len(fb.Bottles))
		for _, b := range fb.Bottles {
			if _, dup := spec.Bottles[b.Tag]; dup {
				return formula.Spec{}, fmt.Errorf("formula %q: bottle %q declared twice", fb.Name, b.Tag)
			}
			spec.Bottles[b.Tag] = formula.Artifact{URL: b.URL, SHA256: b.SHA256, StripComponents: b.StripComponents}
		}
	}
	if fb.Head != nil {
		spec.Head = &formula.HeadSpec{URL: fb.Head.URL, Branch: fb.Head.Branch}
	}
	if fb.Build != nil {
		for _, sb := range fb.Build.Steps {
			step, err := translateStep(sb)
			if err != nil {
				return formula.Spec{}, fmt.Errorf("formula %q: %w", fb.Name, err)
			}
			spec.Steps = append(spec.Steps, step)
		}
	}
	return spec, nil
}

func translateStep(sb *stepBlock) (formula.Step, error) {
	attrs, diags := sb.Remain.JustAttributes()
	if diags.HasErrors() {
		return formula.Step{}, fmt.Errorf("step %q: %w", sb.Action, diags)
	}
	exprs := make(map[string]hcl.Expression, len(attrs))
	for name, attr := range attrs {
		exprs[name] = attr.Expr
	}
	return formula.Step{
		Action: sb.Action,
		Attrs:  exprs,
		OnlyIf: sb.OnlyIf,
		Unless: sb.Unless,
	}, nil
}
