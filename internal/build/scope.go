package build

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/keg/internal/formula"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"github.com/zclconf/go-cty/cty/gocty"
)

// scope is the evaluation environment shared by the steps of one build.
type scope struct {
	name      string
	version   string
	options   formula.OptionSet
	prefix    string
	buildpath string
	evalCtx   *hcl.EvalContext
}

func newScope(f *formula.Formula, version string, opts formula.OptionSet, prefix, buildpath string) *scope {
	s := &scope{
		name:      f.Name(),
		version:   version,
		options:   opts,
		prefix:    prefix,
		buildpath: buildpath,
	}

	optVals := make([]cty.Value, 0, opts.Len())
	for _, o := range opts.Names() {
		optVals = append(optVals, cty.StringVal(o))
	}
	optList := cty.ListValEmpty(cty.String)
	if len(optVals) > 0 {
		optList = cty.ListVal(optVals)
	}

	vars := map[string]cty.Value{
		"prefix":    cty.StringVal(prefix),
		"buildpath": cty.StringVal(buildpath),
		"name":      cty.StringVal(s.name),
		"version":   cty.StringVal(version),
		"options":   optList,
	}
	for _, dir := range []string{"bin", "sbin", "lib", "libexec", "include", "share", "etc"} {
		vars[dir] = cty.StringVal(filepath.Join(prefix, dir))
	}
	vars["man"] = cty.StringVal(filepath.Join(prefix, "share", "man"))

	s.evalCtx = &hcl.EvalContext{
		Variables: vars,
		Functions: map[string]function.Function{
			"concat":  stdlib.ConcatFunc,
			"format":  stdlib.FormatFunc,
			"join":    stdlib.JoinFunc,
			"lower":   stdlib.LowerFunc,
			"upper":   stdlib.UpperFunc,
			"enabled": s.enabledFunc(),
		},
	}
	return s
}

// enabledFunc exposes option checks to expressions: enabled("with-foo").
func (s *scope) enabledFunc() function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "option", Type: cty.String}},
		Type:   function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			return cty.BoolVal(s.options.Has(args[0].AsString())), nil
		},
	})
}

// env returns the variables run steps see in addition to the process
// environment.
func (s *scope) env() []string {
	return []string{
		"PREFIX=" + s.prefix,
		"KEG_PREFIX=" + s.prefix,
		"KEG_NAME=" + s.name,
		"KEG_VERSION=" + s.version,
		"KEG_OPTIONS=" + strings.Join(s.options.Names(), " "),
	}
}

// stagePath resolves p against the staging directory and rejects anything
// outside it.
func (s *scope) stagePath(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.prefix, p)
	}
	p = filepath.Clean(p)
	if !within(s.prefix, p) {
		return "", fmt.Errorf("%s is outside the staging directory", p)
	}
	return p, nil
}

// buildPath resolves p against the build directory.
func (s *scope) buildPath(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.buildpath, p)
	}
	p = filepath.Clean(p)
	if !within(s.buildpath, p) && !within(s.prefix, p) {
		return "", fmt.Errorf("%s is outside the build directory", p)
	}
	return p, nil
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// attrs evaluates the attributes of one step.
type attrs struct {
	action string
	exprs  map[string]hcl.Expression
	scope  *scope
}

// allowedAttrs lists the attributes every action accepts.
var allowedAttrs = map[string][]string{
	"run":     {"argv", "env", "dir"},
	"install": {"from", "to"},
	"mkdir":   {"path"},
	"write":   {"path", "content", "mode"},
	"symlink": {"target", "link"},
}

func newAttrs(sc *scope, step formula.Step) (*attrs, error) {
	allowed := allowedAttrs[step.Action]
	for name := range step.Attrs {
		if !slices.Contains(allowed, name) {
			return nil, fmt.Errorf("unsupported attribute %q for %s", name, step.Action)
		}
	}
	return &attrs{action: step.Action, exprs: step.Attrs, scope: sc}, nil
}

func (a *attrs) value(name string, required bool) (cty.Value, bool, error) {
	expr, ok := a.exprs[name]
	if !ok {
		if required {
			return cty.NilVal, false, fmt.Errorf("%s requires %q", a.action, name)
		}
		return cty.NilVal, false, nil
	}
	v, diags := expr.Value(a.scope.evalCtx)
	if diags.HasErrors() {
		return cty.NilVal, false, fmt.Errorf("evaluate %q: %w", name, diags)
	}
	if v.IsNull() {
		if required {
			return cty.NilVal, false, fmt.Errorf("%s requires %q", a.action, name)
		}
		return cty.NilVal, false, nil
	}
	return v, true, nil
}

func (a *attrs) String(name string, required bool) (string, error) {
	v, ok, err := a.value(name, required)
	if err != nil || !ok {
		return "", err
	}
	v, err = convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("%q: %w", name, err)
	}
	var out string
	if err := gocty.FromCtyValue(v, &out); err != nil {
		return "", fmt.Errorf("%q: %w", name, err)
	}
	return out, nil
}

// Strings accepts a single string or a list of strings.
func (a *attrs) Strings(name string, required bool) ([]string, error) {
	v, ok, err := a.value(name, required)
	if err != nil || !ok {
		return nil, err
	}
	if v.Type() == cty.String {
		return []string{v.AsString()}, nil
	}
	v, err = convert.Convert(v, cty.List(cty.String))
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	var out []string
	if err := gocty.FromCtyValue(v, &out); err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	return out, nil
}

func (a *attrs) StringMap(name string) (map[string]string, error) {
	v, ok, err := a.value(name, false)
	if err != nil || !ok {
		return nil, err
	}
	v, err = convert.Convert(v, cty.Map(cty.String))
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	var out map[string]string
	if err := gocty.FromCtyValue(v, &out); err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	return out, nil
}
