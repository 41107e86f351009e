package formula

import (
	"slices"
	"strings"
)

// OptionSet is an immutable, ordered set of build option names.
type OptionSet struct {
	names []string
}

// NewOptionSet returns the set of the given names with leading dashes removed.
func NewOptionSet(names ...string) OptionSet {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimLeft(strings.TrimSpace(n), "-")
		if n == "" {
			continue
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return OptionSet{names: slices.Compact(out)}
}

// Has reports whether name is in the set.
func (s OptionSet) Has(name string) bool {
	_, found := slices.BinarySearch(s.names, name)
	return found
}

// Union returns a set holding the names of both sets.
func (s OptionSet) Union(other OptionSet) OptionSet {
	return NewOptionSet(append(slices.Clone(s.names), other.names...)...)
}

// Without returns a copy of the set with name removed.
func (s OptionSet) Without(name string) OptionSet {
	return OptionSet{names: slices.DeleteFunc(slices.Clone(s.names), func(n string) bool { return n == name })}
}

// Len is the number of options in the set.
func (s OptionSet) Len() int { return len(s.names) }

// Names returns the sorted option names.
func (s OptionSet) Names() []string { return slices.Clone(s.names) }

func (s OptionSet) String() string {
	if len(s.names) == 0 {
		return ""
	}
	return "--" + strings.Join(s.names, " --")
}

// Unrecognized returns the options f does not declare.
func (s OptionSet) Unrecognized(f *Formula) []string {
	var out []string
	for _, n := range s.names {
		if !f.Recognizes(n) {
			out = append(out, n)
		}
	}
	return out
}

// Recognized returns the subset of s that f declares.
func (s OptionSet) Recognized(f *Formula) OptionSet {
	return OptionSet{names: slices.DeleteFunc(slices.Clone(s.names), func(n string) bool { return !f.Recognizes(n) })}
}
