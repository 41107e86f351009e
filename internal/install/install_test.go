package install

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/specialistvlad/keg/internal/build"
	"github.com/specialistvlad/keg/internal/ctxlog"
	"github.com/specialistvlad/keg/internal/fetch"
	"github.com/specialistvlad/keg/internal/formula"
	"github.com/specialistvlad/keg/internal/guard"
	formulahcl "github.com/specialistvlad/keg/internal/hcl"
	"github.com/specialistvlad/keg/internal/installerr"
	"github.com/specialistvlad/keg/internal/metrics"
	"github.com/specialistvlad/keg/internal/resolve"
	"github.com/specialistvlad/keg/internal/store"
	"github.com/specialistvlad/keg/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctx() context.Context { return ctxlog.Discard(context.Background()) }

// recordingFetcher serves file:// URLs and remembers every URL it fetched.
type recordingFetcher struct {
	next fetch.Fetcher
	mu   sync.Mutex
	urls []string
}

func (f *recordingFetcher) Fetch(ctx context.Context, url string, w io.Writer) error {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	return f.next.Fetch(ctx, url, w)
}

func (f *recordingFetcher) URLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

// recordingReporter keeps a line per event.
type recordingReporter struct {
	events []string
}

func (r *recordingReporter) Planned(p *resolve.Plan) {
	r.events = append(r.events, "plan "+strings.Join(p.Names(), " "))
}

func (r *recordingReporter) Skipped(s resolve.Step, _ *store.Entry) {
	r.events = append(r.events, "skip "+s.Name())
}

func (r *recordingReporter) Started(s resolve.Step, _ *fetch.Artifact) {
	r.events = append(r.events, "start "+s.Name()+" "+s.Kind.String())
}

func (r *recordingReporter) Installed(s resolve.Step, _ *store.Entry, _ *store.LinkResult) {
	r.events = append(r.events, "installed "+s.Name())
}

type world struct {
	root       *testutil.Root
	fetcher    *recordingFetcher
	cellar     *store.Cellar
	metrics    *metrics.Metrics
	symbolizer *testutil.Symbolizer
	reporter   *recordingReporter
}

func newWorld(t *testing.T) *world {
	t.Helper()
	root := testutil.NewRoot(t)
	return &world{
		root:       root,
		fetcher:    &recordingFetcher{next: fetch.NewHTTPFetcher("keg-test")},
		cellar:     store.New(store.Config{Cellar: root.Cellar, Prefix: root.Prefix}),
		metrics:    metrics.New(),
		symbolizer: &testutil.Symbolizer{},
		reporter:   &recordingReporter{},
	}
}

type setup struct {
	cfg       Config
	resolve   resolve.Config
	forbidden []string
	confirmer Confirmer
}

func (w *world) installer(t *testing.T, s setup) *Installer {
	t.Helper()
	idx, err := formulahcl.NewLoader().Load(ctx(), w.root.Formula)
	require.NoError(t, err)
	return New(s.cfg, Deps{
		Resolver:  resolve.New(idx, s.resolve),
		Acquirer:  fetch.New(fetch.Config{CacheDir: w.root.Cache, Concurrency: 1}, w.fetcher, nil, w.metrics),
		Executor:  build.New(build.Config{TmpDir: filepath.Join(w.root.Dir, "tmp")}, w.symbolizer, w.metrics),
		Store:     w.cellar,
		Guard:     guard.New(s.forbidden, ""),
		Confirmer: s.confirmer,
		Reporter:  w.reporter,
		Metrics:   w.metrics,
	})
}

func (w *world) entry(name, version string) string {
	return filepath.Join(w.root.Cellar, name, version)
}

func states(in *Installer) []State {
	var out []State
	for _, tr := range in.Transitions() {
		out = append(out, tr.To)
	}
	return out
}

const installsHelp = `# HELP keg_installs_total Store entries committed, by artifact kind.
# TYPE keg_installs_total counter
`

func assertMetric(t *testing.T, m *metrics.Metrics, name, expected string) {
	t.Helper()
	assert.NoError(t, promtest.GatherAndCompare(m.Registry(), strings.NewReader(expected), name))
}

func TestInstall_PourBottle(t *testing.T) {
	w := newWorld(t)
	files := w.root.AddPackage(t, testutil.Package{Name: "p", Bottle: true})
	in := w.installer(t, setup{})

	res, err := in.Install(ctx(), resolve.Request{Name: "p"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)

	entry := w.entry("p", "0.1")
	assert.Equal(t, entry, res.Entries[0].Path)
	assert.FileExists(t, filepath.Join(entry, "share", "p", "always.txt"))
	assert.NoFileExists(t, filepath.Join(entry, "share", "p", "optional.txt"))
	assert.FileExists(t, filepath.Join(w.root.Prefix, "bin", "p"))
	assert.Equal(t, []string{testutil.FileURL(files.Bottle)}, w.fetcher.URLs())

	assert.Equal(t, StateDone, in.State())
	assert.Equal(t, []State{StateForbidCheck, StateResolve, StateAcquire, StateBuildOrExtract, StateStageAndLink, StateDone}, states(in))
	assert.Equal(t, []string{"plan p", "start p bottle", "installed p"}, w.reporter.events)
	assertMetric(t, w.metrics, "keg_installs_total", installsHelp+`keg_installs_total{kind="bottle"} 1
`)
}

func TestInstall_ForbiddenTarget(t *testing.T) {
	w := newWorld(t)
	w.root.AddPackage(t, testutil.Package{Name: "p", Bottle: true})
	in := w.installer(t, setup{forbidden: []string{"p"}})

	_, err := in.Install(ctx(), resolve.Request{Name: "p"})
	require.Error(t, err)
	assert.True(t, installerr.Is(err, installerr.KindForbidden))
	assert.NotZero(t, installerr.ExitCode(err))
	assert.Contains(t, err.Error(), "p was forbidden from installation by the KEG_FORBIDDEN_FORMULAE environment variable")

	assert.NoDirExists(t, w.entry("p", "0.1"))
	assert.Empty(t, w.fetcher.URLs())
	assert.Equal(t, StateFailed, in.State())
	assert.Equal(t, []State{StateForbidCheck, StateFailed}, states(in))
	assert.Empty(t, w.reporter.events)
}

func TestInstall_ForbiddenDependency(t *testing.T) {
	w := newWorld(t)
	w.root.AddPackage(t, testutil.Package{Name: "lib", Bottle: true})
	w.root.AddPackage(t, testutil.Package{Name: "app", Deps: []string{"lib"}, Bottle: true})

	t.Run("dependencies are checked", func(t *testing.T) {
		in := w.installer(t, setup{forbidden: []string{"LIB"}})
		_, err := in.Install(ctx(), resolve.Request{Name: "app"})
		require.Error(t, err)
		assert.True(t, installerr.Is(err, installerr.KindForbidden))
		assert.Empty(t, w.fetcher.URLs())
		assert.NoDirExists(t, filepath.Join(w.root.Cellar, "app"))
		assert.NoDirExists(t, filepath.Join(w.root.Cellar, "lib"))
	})

	t.Run("dependency guard disabled", func(t *testing.T) {
		in := w.installer(t, setup{cfg: Config{SkipDependencyGuard: true}, forbidden: []string{"lib"}})
		res, err := in.Install(ctx(), resolve.Request{Name: "app"})
		require.NoError(t, err)
		assert.Len(t, res.Entries, 2)
	})
}

func TestInstall_BuildFromSourceWithDebugSymbols(t *testing.T) {
	for _, supported := range []bool{true, false} {
		name := "unsupported platform"
		if supported {
			name = "supported platform"
		}
		t.Run(name, func(t *testing.T) {
			w := newWorld(t)
			w.symbolizer.Enabled = supported
			files := w.root.AddPackage(t, testutil.Package{Name: "q", Bottle: true})
			in := w.installer(t, setup{})

			_, err := in.Install(ctx(), resolve.Request{
				Name:            "q",
				BuildFromSource: true,
				Options:         formula.NewOptionSet(formula.DebugSymbols),
			})
			require.NoError(t, err)

			entry := w.entry("q", "0.1")
			assert.FileExists(t, filepath.Join(entry, "share", "q", "always.txt"))
			assert.NoFileExists(t, filepath.Join(entry, "share", "q", "optional.txt"))
			bundle := filepath.Join(entry, "bin", "q.dSYM")
			if supported {
				assert.DirExists(t, bundle)
			} else {
				assert.NoDirExists(t, bundle)
			}

			assert.Equal(t, []string{testutil.FileURL(files.Source)}, w.fetcher.URLs(), "the bottle is never fetched")
			sources, err := filepath.Glob(filepath.Join(w.root.Cache, "Sources", "q", "*"))
			require.NoError(t, err)
			assert.Len(t, sources, 1, "the source archive stays in the cache")

			r, ok := w.cellar.Lookup("q", "0.1")
			require.True(t, ok)
			assert.Equal(t, "source", r.Receipt.Kind)
			assert.Equal(t, []string{formula.DebugSymbols}, r.Receipt.Options)
		})
	}
}

func TestInstall_AlreadyInstalledIsNoop(t *testing.T) {
	w := newWorld(t)
	w.root.AddPackage(t, testutil.Package{Name: "p", Bottle: true})
	in := w.installer(t, setup{})

	_, err := in.Install(ctx(), resolve.Request{Name: "p"})
	require.NoError(t, err)
	receipt := filepath.Join(w.entry("p", "0.1"), store.ReceiptFile)
	before, err := os.Stat(receipt)
	require.NoError(t, err)
	fetched := len(w.fetcher.URLs())

	res, err := in.Install(ctx(), resolve.Request{Name: "p"})
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.Equal(t, []string{"p"}, res.Skipped)
	assert.Len(t, w.fetcher.URLs(), fetched, "no fetch")

	after, err := os.Stat(receipt)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "the entry is untouched")
	assert.Equal(t, []State{StateForbidCheck, StateResolve, StateDone}, states(in))
	assertMetric(t, w.metrics, "keg_installs_skipped_total", `# HELP keg_installs_skipped_total Plan steps skipped because the entry was already installed.
# TYPE keg_installs_skipped_total counter
keg_installs_skipped_total 1
`)
}

func TestInstall_DependenciesInOrder(t *testing.T) {
	w := newWorld(t)
	w.root.AddPackage(t, testutil.Package{Name: "liba", Bottle: true})
	w.root.AddPackage(t, testutil.Package{Name: "libb", Deps: []string{"liba"}})
	w.root.AddPackage(t, testutil.Package{Name: "app", Deps: []string{"libb", "liba"}, Bottle: true})
	in := w.installer(t, setup{})

	res, err := in.Install(ctx(), resolve.Request{Name: "app"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, []string{"liba", "libb", "app"}, []string{res.Entries[0].Name, res.Entries[1].Name, res.Entries[2].Name})
	assert.Equal(t, []string{
		"plan liba libb app",
		"start liba bottle", "installed liba",
		"start libb source", "installed libb",
		"start app bottle", "installed app",
	}, w.reporter.events)

	app, ok := w.cellar.Lookup("app", "0.1")
	require.True(t, ok)
	assert.True(t, app.Receipt.InstalledOnRequest)
	assert.Equal(t, []string{"libb", "liba"}, app.Receipt.Dependencies)
	lib, ok := w.cellar.Lookup("liba", "0.1")
	require.True(t, ok)
	assert.False(t, lib.Receipt.InstalledOnRequest)
}

func TestInstall_FailureKeepsEarlierEntries(t *testing.T) {
	w := newWorld(t)
	w.root.AddPackage(t, testutil.Package{Name: "lib", Bottle: true})
	files := w.root.AddPackage(t, testutil.Package{Name: "app", Deps: []string{"lib"}})
	require.NoError(t, os.Remove(files.Source))
	in := w.installer(t, setup{})

	_, err := in.Install(ctx(), resolve.Request{Name: "app"})
	require.Error(t, err)
	assert.True(t, installerr.Is(err, installerr.KindDownload))
	assert.Equal(t, StateFailed, in.State())

	assert.DirExists(t, w.entry("lib", "0.1"), "earlier entries are not rolled back")
	assert.NoDirExists(t, w.entry("app", "0.1"))
	staging, err := os.ReadDir(filepath.Join(w.root.Cellar, ".staging"))
	if err == nil {
		assert.Empty(t, staging)
	}
	assertMetric(t, w.metrics, "keg_install_failures_total", `# HELP keg_install_failures_total Failed installs by error kind.
# TYPE keg_install_failures_total counter
keg_install_failures_total{kind="download"} 1
`)
}

func TestInstall_Confirmation(t *testing.T) {
	t.Run("declined", func(t *testing.T) {
		w := newWorld(t)
		w.root.AddPackage(t, testutil.Package{Name: "p", Bottle: true})
		in := w.installer(t, setup{
			cfg: Config{Ask: true},
			confirmer: ConfirmFunc(func(context.Context, *resolve.Plan) (bool, error) {
				return false, nil
			}),
		})
		_, err := in.Install(ctx(), resolve.Request{Name: "p"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDeclined)
		assert.True(t, installerr.Is(err, installerr.KindDeclined))
		assert.Equal(t, 1, installerr.ExitCode(err))
		assert.Empty(t, w.fetcher.URLs())
		assert.NoDirExists(t, filepath.Join(w.root.Cellar, "p"))
		assert.Equal(t, []State{StateForbidCheck, StateResolve, StateConfirm, StateFailed}, states(in))
	})

	t.Run("accepted at the prompt", func(t *testing.T) {
		w := newWorld(t)
		w.root.AddPackage(t, testutil.Package{Name: "p", Bottle: true})
		var out strings.Builder
		in := w.installer(t, setup{
			cfg:       Config{Ask: true},
			confirmer: &PromptConfirmer{In: strings.NewReader("y\n"), Out: &out},
		})
		_, err := in.Install(ctx(), resolve.Request{Name: "p"})
		require.NoError(t, err)
		assert.Equal(t, "Install 1 formula (p)? [y/N] ", out.String())
		assert.DirExists(t, w.entry("p", "0.1"))
	})

	t.Run("end of input declines", func(t *testing.T) {
		ok, err := (&PromptConfirmer{In: strings.NewReader(""), Out: io.Discard}).Confirm(ctx(), &resolve.Plan{})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("canceled prompt hands its pending read to the next prompt", func(t *testing.T) {
		pr, pw := io.Pipe()
		defer pr.Close()
		p := &PromptConfirmer{In: pr, Out: io.Discard}

		waitCtx, cancel := context.WithTimeout(ctx(), 10*time.Millisecond)
		defer cancel()
		_, err := p.Confirm(waitCtx, &resolve.Plan{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		go func() { _, _ = io.WriteString(pw, "y\n") }()
		ok, err := p.Confirm(ctx(), &resolve.Plan{})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("canceled prompt interrupts a read with deadlines", func(t *testing.T) {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		defer r.Close()
		defer w.Close()
		p := &PromptConfirmer{In: r, Out: io.Discard}

		waitCtx, cancel := context.WithTimeout(ctx(), 10*time.Millisecond)
		defer cancel()
		_, err = p.Confirm(waitCtx, &resolve.Plan{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		_, err = io.WriteString(w, "yes\n")
		require.NoError(t, err)
		ok, err := p.Confirm(ctx(), &resolve.Plan{})
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestInstall_KegOnlyLeavesPrefixAlone(t *testing.T) {
	w := newWorld(t)
	w.root.AddPackage(t, testutil.Package{Name: "k", Bottle: true, KegOnly: true})
	in := w.installer(t, setup{})

	_, err := in.Install(ctx(), resolve.Request{Name: "k"})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(w.entry("k", "0.1"), "bin", "k"))
	assert.FileExists(t, filepath.Join(w.entry("k", "0.1"), "share", "k", "always.txt"))
	entries, err := os.ReadDir(w.root.Prefix)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Cellar", entries[0].Name(), "nothing but the store under the prefix")
}

func TestInstall_Head(t *testing.T) {
	repo, rev := testutil.GitRepo(t, map[string]string{
		"bin/h":  "#!/bin/sh\necho head\n",
		"README": "tip",
	})
	w := newWorld(t)
	w.root.AddPackage(t, testutil.Package{Name: "h", Bottle: true, HeadRepo: repo})
	in := w.installer(t, setup{})

	res, err := in.Install(ctx(), resolve.Request{Name: "h", Head: true})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)

	versionID := "HEAD-" + rev[:7]
	entry := w.entry("h", versionID)
	assert.Equal(t, entry, res.Entries[0].Path)
	content, err := os.ReadFile(filepath.Join(entry, "bin", "h"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho head\n", string(content))
	always, err := os.ReadFile(filepath.Join(entry, "share", "h", "always.txt"))
	require.NoError(t, err)
	assert.Equal(t, "always "+versionID, string(always))
	assert.Equal(t, rev, res.Entries[0].Receipt.Revision)
	assert.Empty(t, w.fetcher.URLs(), "a head install downloads nothing")

	again, err := in.Install(ctx(), resolve.Request{Name: "h", Head: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"h"}, again.Skipped)
	tmp, err := os.ReadDir(filepath.Join(w.root.Cache, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp, "checkouts are released")
}

func TestInstall_ResolutionErrorHasNoSideEffects(t *testing.T) {
	w := newWorld(t)
	w.root.AddPackage(t, testutil.Package{Name: "app", Deps: []string{"missing"}, Bottle: true})
	in := w.installer(t, setup{})

	_, err := in.Install(ctx(), resolve.Request{Name: "app"})
	require.Error(t, err)
	assert.True(t, installerr.Is(err, installerr.KindResolution))
	assert.Empty(t, w.fetcher.URLs())
	assert.Equal(t, []State{StateForbidCheck, StateResolve, StateFailed}, states(in))

	_, err = in.Install(ctx())
	assert.True(t, installerr.Is(err, installerr.KindResolution))
}
