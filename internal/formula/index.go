package formula

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"
)

// Index is a concurrency-safe name -> Formula lookup. It is the descriptor
// lookup collaborator handed to the resolver.
type Index struct {
	mu       sync.RWMutex
	formulae map[string]*Formula
}

// NewIndex returns an index holding fs. A later formula with the same name as
// an earlier one is reported as an error.
func NewIndex(fs ...*Formula) (*Index, error) {
	idx := &Index{formulae: make(map[string]*Formula, len(fs))}
	for _, f := range fs {
		if err := idx.Add(f); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// Add inserts f; duplicate names are rejected.
func (i *Index) Add(f *Formula) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := strings.ToLower(f.Name())
	if prev, ok := i.formulae[key]; ok {
		return fmt.Errorf("formula %q defined twice (%s and %s)", f.Name(), prev.Path(), f.Path())
	}
	i.formulae[key] = f
	return nil
}

// Lookup returns the formula named name. Names are case-insensitive.
func (i *Index) Lookup(name string) (*Formula, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	f, ok := i.formulae[strings.ToLower(name)]
	return f, ok
}

// Names returns every formula name in sorted order.
func (i *Index) Names() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, 0, len(i.formulae))
	for _, f := range i.formulae {
		names = append(names, f.Name())
	}
	sort.Strings(names)
	return names
}

// Len is the number of formulae in the index.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.formulae)
}

// Suggest returns up to three known names that fuzzily match name, best first.
func (i *Index) Suggest(name string) []string {
	names := i.Names()
	matches := fuzzy.Find(strings.ToLower(name), lowered(names))
	out := make([]string, 0, 3)
	for _, m := range matches {
		if len(out) == 3 {
			break
		}
		out = append(out, names[m.Index])
	}
	if len(out) == 0 {
		// fuzzy.Find needs every character of the pattern in order; fall back
		// to names sharing a prefix so a typo late in the name still helps.
		for _, n := range names {
			if len(out) == 3 {
				break
			}
			if len(name) >= 3 && strings.HasPrefix(strings.ToLower(n), strings.ToLower(name[:3])) {
				out = append(out, n)
			}
		}
	}
	return slices.Clip(out)
}

func lowered(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
