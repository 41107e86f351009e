package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/gookit/color"
	"github.com/specialistvlad/keg/internal/fetch"
	"github.com/specialistvlad/keg/internal/resolve"
	"github.com/specialistvlad/keg/internal/store"
)

// reporter prints install progress the way a user reads it: the plan and
// installed entry paths on out, progress, warnings and the ✔︎ line on errW.
type reporter struct {
	out   io.Writer
	errW  io.Writer
	color bool
}

func (r *reporter) paint(theme *color.Theme, s string) string {
	if !r.color {
		return s
	}
	return theme.Sprint(s)
}

func (r *reporter) Planned(plan *resolve.Plan) {
	fmt.Fprintf(r.out, "%s Formula (%d): %s\n", r.paint(color.Info, "==>"), plan.Len(), strings.Join(plan.Names(), " "))
}

func (r *reporter) Skipped(step resolve.Step, entry *store.Entry) {
	fmt.Fprintf(r.errW, "%s %s %s is already installed\n", r.paint(color.Warn, "Warning:"), step.Name(), entry.VersionID)
}

func (r *reporter) Started(step resolve.Step, art *fetch.Artifact) {
	arrow := r.paint(color.Info, "==>")
	switch step.Kind {
	case resolve.KindBottle:
		fmt.Fprintf(r.errW, "%s Pouring %s\n", arrow, art.Name)
	case resolve.KindHead:
		fmt.Fprintf(r.errW, "%s Building %s %s from %s\n", arrow, step.Name(), art.VersionID, art.URL)
	default:
		fmt.Fprintf(r.errW, "%s Building %s %s from source\n", arrow, step.Name(), art.VersionID)
	}
}

func (r *reporter) Installed(step resolve.Step, entry *store.Entry, link *store.LinkResult) {
	fmt.Fprintln(r.out, entry.Path)
	fmt.Fprintf(r.errW, "%s %s %s\n", r.paint(color.Success, "✔︎"), step.Name(), entry.VersionID)
	if link != nil && link.Skipped {
		fmt.Fprintf(r.errW, "%s %s is keg-only and was not linked into the prefix\n", r.paint(color.Note, "==>"), step.Name())
	}
}
