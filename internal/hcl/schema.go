package hcl

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes every top-level block of a formula file.
type fileRoot struct {
	Formulae []*formulaBlock `hcl:"formula,block"`
}

type formulaBlock struct {
	Name          string             `hcl:"name,label"`
	Version       string             `hcl:"version,optional"`
	Desc          string             `hcl:"desc,optional"`
	Homepage      string             `hcl:"homepage,optional"`
	KegOnly       bool               `hcl:"keg_only,optional"`
	KegOnlyReason string             `hcl:"keg_only_reason,optional"`
	Dependencies  []*dependencyBlock `hcl:"depends_on,block"`
	Options       []*optionBlock     `hcl:"option,block"`
	Source        *artifactBlock     `hcl:"source,block"`
	Bottles       []*bottleBlock     `hcl:"bottle,block"`
	Head          *headBlock         `hcl:"head,block"`
	Build         *buildBlock        `hcl:"build,block"`
}

type dependencyBlock struct {
	Name    string   `hcl:"name,label"`
	Version string   `hcl:"version,optional"`
	Options []string `hcl:"options,optional"`
	Build   bool     `hcl:"build,optional"`
}

type optionBlock struct {
	Name        string `hcl:"name,label"`
	Description string `hcl:"description,optional"`
}

type artifactBlock struct {
	URL             string `hcl:"url"`
	SHA256          string `hcl:"sha256"`
	StripComponents int    `hcl:"strip_components,optional"`
}

type bottleBlock struct {
	Tag             string `hcl:"tag,label"`
	URL             string `hcl:"url"`
	SHA256          string `hcl:"sha256"`
	StripComponents int    `hcl:"strip_components,optional"`
}

type headBlock struct {
	URL    string `hcl:"url"`
	Branch string `hcl:"branch,optional"`
}

type buildBlock struct {
	Steps []*stepBlock `hcl:"step,block"`
}

// stepBlock keeps every attribute besides the gates in Remain so it can be
// evaluated later with a build-specific context.
type stepBlock struct {
	Action string   `hcl:"action,label"`
	OnlyIf string   `hcl:"only_if,optional"`
	Unless string   `hcl:"unless,optional"`
	Remain hcl.Body `hcl:",remain"`
}
