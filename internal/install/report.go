package install

import (
	"github.com/specialistvlad/keg/internal/fetch"
	"github.com/specialistvlad/keg/internal/resolve"
	"github.com/specialistvlad/keg/internal/store"
)

// Reporter receives human-readable progress events. Calls are made from the
// installer's goroutine in plan order.
type Reporter interface {
	// Planned is called once the plan is resolved.
	Planned(plan *resolve.Plan)
	// Skipped is called for a step an existing entry already satisfies.
	Skipped(step resolve.Step, entry *store.Entry)
	// Started is called before a step is poured or built.
	Started(step resolve.Step, art *fetch.Artifact)
	// Installed is called once a step is committed and linked.
	Installed(step resolve.Step, entry *store.Entry, link *store.LinkResult)
}

// NopReporter discards every event.
type NopReporter struct{}

func (NopReporter) Planned(*resolve.Plan) {}
func (NopReporter) Skipped(resolve.Step, *store.Entry) {}
func (NopReporter) Started(resolve.Step, *fetch.Artifact) {}
func (NopReporter) Installed(resolve.Step, *store.Entry, *store.LinkResult) {}
