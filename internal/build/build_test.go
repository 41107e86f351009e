package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/specialistvlad/keg/internal/ctxlog"
	"github.com/specialistvlad/keg/internal/formula"
	formulahcl "github.com/specialistvlad/keg/internal/hcl"
	"github.com/specialistvlad/keg/internal/installerr"
	"github.com/specialistvlad/keg/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctx() context.Context { return ctxlog.Discard(context.Background()) }

var sha = strings.Repeat("0", 64)

func parse(t *testing.T, body string) *formula.Formula {
	t.Helper()
	src := `formula "q" {
  version = "0.1"
  option "with-optional" {
    description = "Install the optional file"
  }
  source {
    url    = "https://example.com/q-0.1.tar.gz"
    sha256 = "` + sha + `"
  }
  build {
` + body + `
  }
}`
	fs, err := formulahcl.NewLoader().Parse("q.hcl", []byte(src))
	require.NoError(t, err)
	require.Len(t, fs, 1)
	return fs[0]
}

const standardSteps = `
    step "install" {
      from = ["bin/*"]
      to   = bin
    }
    step "write" {
      path    = "${share}/${name}/always.txt"
      content = "always ${version}"
    }
    step "write" {
      path    = "${share}/${name}/optional.txt"
      content = "optional"
      only_if = "with-optional"
    }
    step "write" {
      path    = "etc/options"
      content = join(",", options)
    }
`

// sourceTarball writes q-0.1.tar.gz holding a single top-level directory.
func sourceTarball(t *testing.T, dir string) string {
	return testutil.WriteTarball(t, filepath.Join(dir, "q-0.1.tar.gz"), testutil.Gzip, map[string]string{
		"q-0.1/bin/q":     "#!/bin/sh\necho q\n",
		"q-0.1/README.md": "q",
	})
}

type fakeSymbolizer struct {
	supported bool
	calls     []string
}

func (f *fakeSymbolizer) Supported() bool { return f.supported }

func (f *fakeSymbolizer) Symbolize(_ context.Context, binary string) (string, error) {
	f.calls = append(f.calls, binary)
	bundle := binary + ".dSYM"
	dwarf := filepath.Join(bundle, "Contents", "Resources", "DWARF")
	if err := os.MkdirAll(dwarf, 0o755); err != nil {
		return "", err
	}
	return bundle, os.WriteFile(filepath.Join(dwarf, filepath.Base(binary)), []byte("dwarf"), 0o644)
}

func TestBuild_OptionsGateOptionalOutput(t *testing.T) {
	dir := t.TempDir()
	src := sourceTarball(t, dir)
	f := parse(t, standardSteps)
	exec := New(Config{TmpDir: filepath.Join(dir, "tmp")}, &fakeSymbolizer{}, nil)

	t.Run("default options", func(t *testing.T) {
		stage := filepath.Join(dir, "stage-default")
		res, err := exec.Build(ctx(), Request{Formula: f, Source: src, StageDir: stage})
		require.NoError(t, err)
		assert.Equal(t, 3, res.StepsRun)
		assert.Equal(t, 1, res.StepsSkipped)

		assert.FileExists(t, filepath.Join(stage, "bin", "q"))
		content, err := os.ReadFile(filepath.Join(stage, "share", "q", "always.txt"))
		require.NoError(t, err)
		assert.Equal(t, "always 0.1", string(content))
		assert.NoFileExists(t, filepath.Join(stage, "share", "q", "optional.txt"))
	})

	t.Run("with optional", func(t *testing.T) {
		stage := filepath.Join(dir, "stage-optional")
		_, err := exec.Build(ctx(), Request{
			Formula:  f,
			Source:   src,
			StageDir: stage,
			Options:  formula.NewOptionSet("with-optional"),
		})
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(stage, "share", "q", "optional.txt"))
		content, err := os.ReadFile(filepath.Join(stage, "etc", "options"))
		require.NoError(t, err)
		assert.Equal(t, "with-optional", string(content))
	})

	entries, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries, "working directories are removed")
}

func TestBuild_RunStep(t *testing.T) {
	dir := t.TempDir()
	src := sourceTarball(t, dir)
	f := parse(t, `
    step "run" {
      argv = ["sh", "-c", "test ! -e marker && touch marker && echo \"$KEG_NAME $GREETING\" > \"$PREFIX/ran.txt\""]
      env  = { GREETING = "hi" }
    }
`)
	exec := New(Config{TmpDir: filepath.Join(dir, "tmp")}, nil, nil)

	// Each build gets its own working directory, so the marker never exists.
	for _, name := range []string{"one", "two"} {
		stage := filepath.Join(dir, name)
		_, err := exec.Build(ctx(), Request{Formula: f, Source: src, StageDir: stage})
		require.NoError(t, err)
		content, err := os.ReadFile(filepath.Join(stage, "ran.txt"))
		require.NoError(t, err)
		assert.Equal(t, "q hi\n", string(content))
	}
}

func TestBuild_FailedRunIsBuildFailed(t *testing.T) {
	dir := t.TempDir()
	src := sourceTarball(t, dir)
	f := parse(t, `
    step "run" {
      argv = ["sh", "-c", "echo compiling; echo boom >&2; exit 3"]
    }
`)
	var streamed testutil.SafeBuffer
	exec := New(Config{TmpDir: filepath.Join(dir, "tmp"), Output: &streamed}, nil, nil)

	_, err := exec.Build(ctx(), Request{Formula: f, Source: src, StageDir: filepath.Join(dir, "stage")})
	require.Error(t, err)
	assert.True(t, installerr.Is(err, installerr.KindBuildFailed))

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 0, stepErr.Index)
	assert.Contains(t, stepErr.Output, "boom")
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, streamed.String(), "compiling")
}

func TestBuild_Errors(t *testing.T) {
	cases := map[string]string{
		"write outside stage": `
    step "write" {
      path    = "../../evil"
      content = "x"
    }`,
		"install from nowhere": `
    step "install" {
      from = ["missing/*"]
      to   = bin
    }`,
		"unsupported attribute": `
    step "mkdir" {
      path  = bin
      owner = "root"
    }`,
		"escaping symlink": `
    step "symlink" {
      target = "/etc/passwd"
      link   = "bin/passwd"
    }`,
		"unknown variable": `
    step "mkdir" {
      path = nowhere
    }`,
		"empty installation": `
    step "run" {
      argv = ["true"]
    }`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			src := sourceTarball(t, dir)
			f := parse(t, body)
			_, err := New(Config{TmpDir: filepath.Join(dir, "tmp")}, nil, nil).
				Build(ctx(), Request{Formula: f, Source: src, StageDir: filepath.Join(dir, "stage")})
			require.Error(t, err)
			assert.True(t, installerr.Is(err, installerr.KindBuildFailed))
			assert.NoFileExists(t, filepath.Join(dir, "evil"))
		})
	}
}

func TestBuild_Symlink(t *testing.T) {
	dir := t.TempDir()
	src := sourceTarball(t, dir)
	f := parse(t, standardSteps+`
    step "symlink" {
      target = "${bin}/q"
      link   = "bin/q-alias"
    }
`)
	stage := filepath.Join(dir, "stage")
	_, err := New(Config{TmpDir: filepath.Join(dir, "tmp")}, nil, nil).
		Build(ctx(), Request{Formula: f, Source: src, StageDir: stage})
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(stage, "bin", "q-alias"))
	require.NoError(t, err)
	assert.Equal(t, "q", target, "links inside the entry are relative")
}

func TestBuild_DebugSymbols(t *testing.T) {
	dir := t.TempDir()
	src := sourceTarball(t, dir)
	f := parse(t, standardSteps)
	opts := formula.NewOptionSet(formula.DebugSymbols)

	t.Run("supported", func(t *testing.T) {
		sym := &fakeSymbolizer{supported: true}
		stage := filepath.Join(dir, "supported")
		res, err := New(Config{TmpDir: filepath.Join(dir, "tmp")}, sym, nil).
			Build(ctx(), Request{Formula: f, Source: src, StageDir: stage, Options: opts})
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(stage, "bin", "q.dSYM")}, res.DebugSymbols)
		assert.FileExists(t, filepath.Join(stage, "bin", "q.dSYM", "Contents", "Resources", "DWARF", "q"))
	})

	t.Run("unsupported platform is skipped", func(t *testing.T) {
		sym := &fakeSymbolizer{supported: false}
		stage := filepath.Join(dir, "unsupported")
		res, err := New(Config{TmpDir: filepath.Join(dir, "tmp")}, sym, nil).
			Build(ctx(), Request{Formula: f, Source: src, StageDir: stage, Options: opts})
		require.NoError(t, err)
		assert.Empty(t, res.DebugSymbols)
		assert.Empty(t, sym.calls)
		assert.NoDirExists(t, filepath.Join(stage, "bin", "q.dSYM"))
	})
}

func TestBuild_FromCheckoutDirectory(t *testing.T) {
	dir := t.TempDir()
	checkout := filepath.Join(dir, "checkout")
	testutil.WriteFile(t, filepath.Join(checkout, "bin", "q"), "#!/bin/sh\n", 0o755)
	testutil.WriteFile(t, filepath.Join(checkout, ".git", "HEAD"), "ref: refs/heads/main\n", 0o644)
	f := parse(t, `
    step "install" {
      from = ["*"]
      to   = libexec
    }
`)
	stage := filepath.Join(dir, "stage")
	_, err := New(Config{TmpDir: filepath.Join(dir, "tmp")}, nil, nil).
		Build(ctx(), Request{Formula: f, Source: checkout, StageDir: stage, Version: "HEAD-abcdef0"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(stage, "libexec", "bin", "q"))
	assert.NoDirExists(t, filepath.Join(stage, "libexec", ".git"))
	assert.DirExists(t, checkout, "the checkout itself is left alone")
}

func TestBuild_KeepTmp(t *testing.T) {
	dir := t.TempDir()
	src := sourceTarball(t, dir)
	tmp := filepath.Join(dir, "tmp")
	_, err := New(Config{TmpDir: tmp, KeepTmp: true}, nil, nil).
		Build(ctx(), Request{Formula: parse(t, standardSteps), Source: src, StageDir: filepath.Join(dir, "stage")})
	require.NoError(t, err)
	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPour(t *testing.T) {
	f := parse(t, standardSteps)

	t.Run("flat bottle", func(t *testing.T) {
		dir := t.TempDir()
		bottle := testutil.WriteTarball(t, filepath.Join(dir, "q.bottle.tar.gz"), testutil.Gzip, map[string]string{
			"bin/q":                "#!/bin/sh\n",
			"share/q/always.txt":   "always",
		})
		stage := filepath.Join(dir, "stage")
		require.NoError(t, New(Config{}, nil, nil).Pour(ctx(), PourRequest{Formula: f, Archive: bottle, StageDir: stage}))
		assert.FileExists(t, filepath.Join(stage, "bin", "q"))
	})

	t.Run("name and version wrapped bottle", func(t *testing.T) {
		dir := t.TempDir()
		bottle := testutil.WriteTarball(t, filepath.Join(dir, "q.bottle.tar.xz"), testutil.Xz, map[string]string{
			"q/0.1/bin/q":              "#!/bin/sh\n",
			"q/0.1/share/q/always.txt": "always",
		})
		stage := filepath.Join(dir, "stage")
		require.NoError(t, New(Config{}, nil, nil).Pour(ctx(), PourRequest{Formula: f, Archive: bottle, StageDir: stage}))
		assert.FileExists(t, filepath.Join(stage, "bin", "q"))
		assert.FileExists(t, filepath.Join(stage, "share", "q", "always.txt"))
		assert.NoDirExists(t, filepath.Join(stage, "q"))
	})

	t.Run("corrupt bottle", func(t *testing.T) {
		dir := t.TempDir()
		bottle := testutil.WriteFile(t, filepath.Join(dir, "q.bottle.tar.gz"), "\x1f\x8bnot really gzip", 0o644)
		err := New(Config{}, nil, nil).Pour(ctx(), PourRequest{Formula: f, Archive: bottle, StageDir: filepath.Join(dir, "stage")})
		assert.True(t, installerr.Is(err, installerr.KindStaging))
	})
}
