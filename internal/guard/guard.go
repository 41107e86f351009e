// Package guard enforces the configured denylist of formulae.
package guard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/specialistvlad/keg/internal/installerr"
)

// ErrForbidden is wrapped by every denial.
var ErrForbidden = errors.New("forbidden formula")

// DefaultSource is reported when no source is given to New.
const DefaultSource = "KEG_FORBIDDEN_FORMULAE"

// Guard rejects formulae on the denylist. Names compare case-insensitively.
type Guard struct {
	names  map[string]struct{}
	source string
}

// New builds a Guard. source names where the list came from, either an
// environment variable or a config file path.
func New(names []string, source string) *Guard {
	if source == "" {
		source = DefaultSource
	}
	g := &Guard{names: make(map[string]struct{}, len(names)), source: source}
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			g.names[strings.ToLower(n)] = struct{}{}
		}
	}
	return g
}

// Len is the number of denied names.
func (g *Guard) Len() int {
	if g == nil {
		return 0
	}
	return len(g.names)
}

// Check returns a installerr.KindForbidden error when name is denied.
func (g *Guard) Check(name string) error {
	if g.Len() == 0 {
		return nil
	}
	if _, denied := g.names[strings.ToLower(name)]; !denied {
		return nil
	}
	return installerr.New(installerr.KindForbidden, name, &deniedError{name: name, source: g.describe()})
}

// CheckAll checks names in order and returns the first denial.
func (g *Guard) CheckAll(names ...string) error {
	for _, n := range names {
		if err := g.Check(n); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) describe() string {
	if strings.HasPrefix(g.source, "KEG_") {
		return "the " + g.source + " environment variable"
	}
	return "the configuration file " + g.source
}

type deniedError struct {
	name   string
	source string
}

func (e *deniedError) Error() string {
	return fmt.Sprintf("%s was forbidden from installation by %s", e.name, e.source)
}

func (e *deniedError) Unwrap() error { return ErrForbidden }
