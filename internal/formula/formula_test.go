package formula

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSHA = strings.Repeat("ab", 32)

func validSpec() Spec {
	return Spec{
		Name:    "testball",
		Version: "0.1",
		Source:  &Artifact{URL: "https://example.com/testball-0.1.tar.gz", SHA256: testSHA},
		Dependencies: []Dependency{
			{Name: "libfoo", Options: []string{"with-bar"}},
		},
		Options: []Option{{Name: "with-foo", Description: "Build with foo"}},
		Bottles: map[string]Artifact{
			AnyPlatform: {URL: "https://example.com/testball-0.1.bottle.tar.gz", SHA256: testSHA},
		},
	}
}

func TestNew_Valid(t *testing.T) {
	f, err := New(validSpec())
	require.NoError(t, err)

	assert.Equal(t, "testball", f.Name())
	assert.Equal(t, "0.1", f.Version())
	assert.Equal(t, "testball 0.1", f.String())
	src, ok := f.Source()
	require.True(t, ok)
	assert.Equal(t, testSHA, src.SHA256)
	_, ok = f.Head()
	assert.False(t, ok)

	b, ok := f.Bottle("darwin_arm64")
	require.True(t, ok, "an 'all' bottle matches every platform")
	assert.Contains(t, b.URL, "bottle")

	assert.True(t, f.Recognizes("with-foo"))
	assert.True(t, f.Recognizes(DebugSymbols))
	assert.False(t, f.Recognizes("with-baz"))
}

func TestNew_IsImmutable(t *testing.T) {
	spec := validSpec()
	f, err := New(spec)
	require.NoError(t, err)

	spec.Dependencies[0].Options[0] = "mutated"
	spec.Source.URL = "mutated"
	spec.Bottles["extra"] = Artifact{}

	deps := f.Dependencies()
	assert.Equal(t, "with-bar", deps[0].Options[0])
	deps[0].Name = "changed"
	assert.Equal(t, "libfoo", f.Dependencies()[0].Name)

	src, _ := f.Source()
	assert.NotEqual(t, "mutated", src.URL)
	assert.Len(t, f.Bottles(), 1)
}

func TestNew_HeadOnly(t *testing.T) {
	f, err := New(Spec{Name: "edge", Head: &HeadSpec{URL: "file:///tmp/repo"}})
	require.NoError(t, err)
	assert.Equal(t, HeadVersion, f.Version())
}

func TestNew_Invalid(t *testing.T) {
	cases := map[string]func(*Spec){
		"empty name":         func(s *Spec) { s.Name = "" },
		"no locations":       func(s *Spec) { s.Source = nil; s.Bottles = nil },
		"no version":         func(s *Spec) { s.Version = "" },
		"bad checksum":       func(s *Spec) { s.Source.SHA256 = "xyz" },
		"self dependency":    func(s *Spec) { s.Dependencies = []Dependency{{Name: "testball"}} },
		"duplicate dep":      func(s *Spec) { s.Dependencies = append(s.Dependencies, Dependency{Name: "libfoo"}) },
		"bad option":         func(s *Spec) { s.Options = []Option{{Name: "foo"}} },
		"bad constraint":     func(s *Spec) { s.Dependencies[0].Constraint = ">>> nope" },
		"unknown step":       func(s *Spec) { s.Steps = []Step{{Action: "eval"}} },
		"version separators": func(s *Spec) { s.Version = "1.0/../x" },
		"dot version":        func(s *Spec) { s.Version = "." },
		"dot-dot version":    func(s *Spec) { s.Version = ".." },
		"backslash version":  func(s *Spec) { s.Version = `1.0\x` },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			spec := validSpec()
			mutate(&spec)
			_, err := New(spec)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidVersionID(t *testing.T) {
	for _, v := range []string{"1.0", "0.1", "HEAD-abc1234", "2024.01.02", "1.0_1", "..1", "1.0.."} {
		assert.True(t, ValidVersionID(v), v)
	}
	for _, v := range []string{"", ".", "..", "a/b", "../1.0", `a\b`, "1 0"} {
		assert.False(t, ValidVersionID(v), v)
	}
}

func TestOptionSet(t *testing.T) {
	s := NewOptionSet("--with-foo", "debug-symbols", "with-foo", "")
	assert.Equal(t, []string{"debug-symbols", "with-foo"}, s.Names())
	assert.True(t, s.Has("with-foo"))
	assert.False(t, s.Has("with-bar"))
	assert.Equal(t, "--debug-symbols --with-foo", s.String())

	u := s.Union(NewOptionSet("with-bar"))
	assert.Equal(t, 3, u.Len())
	assert.Equal(t, 2, s.Len(), "union does not modify the receiver")
	assert.False(t, u.Without("with-bar").Has("with-bar"))

	f := MustNew(validSpec())
	assert.Equal(t, []string{"with-bar"}, u.Unrecognized(f))
	assert.Equal(t, []string{"debug-symbols", "with-foo"}, u.Recognized(f).Names())
}

func TestIndex(t *testing.T) {
	a := MustNew(validSpec())
	spec := validSpec()
	spec.Name = "testball_bottle"
	b := MustNew(spec)

	idx, err := NewIndex(a, b)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, []string{"testball", "testball_bottle"}, idx.Names())

	got, ok := idx.Lookup("TestBall")
	require.True(t, ok)
	assert.Same(t, a, got)

	assert.Error(t, idx.Add(a), "duplicate names are rejected")
	assert.Contains(t, idx.Suggest("tstball"), "testball")
	assert.Empty(t, idx.Suggest("zz"))
}
