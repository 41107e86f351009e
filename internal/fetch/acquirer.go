package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/specialistvlad/keg/internal/ctxlog"
	"github.com/specialistvlad/keg/internal/formula"
	"github.com/specialistvlad/keg/internal/installerr"
	"github.com/specialistvlad/keg/internal/metrics"
	"github.com/specialistvlad/keg/internal/resolve"
	"golang.org/x/sync/singleflight"
)

// HeadPrefix starts the version id of a head install.
const HeadPrefix = "HEAD-"

// Config controls acquisition.
type Config struct {
	// CacheDir is the root of the download cache.
	CacheDir string
	// Concurrency bounds parallel acquisitions; values below 1 mean 1.
	Concurrency int
	// BottleTag selects the platform bottle; defaults to formula.PlatformTag().
	BottleTag string
}

// Artifact is an acquired, verified artifact ready to be poured or built.
type Artifact struct {
	Kind resolve.ArtifactKind
	// Path is the cached archive, or the checkout directory of a head.
	Path string
	URL  string
	// SHA256 is the verified digest; empty for heads.
	SHA256          string
	StripComponents int
	// Name is the file name from the URL, for artifacts that are not archives.
	Name string
	// Revision is the commit of a head checkout.
	Revision string
	// VersionID names the store entry the artifact produces.
	VersionID string
	// Cached is true when no network access was needed.
	Cached bool
	temp   bool
}

// Release removes the artifact's temporary files. Cached downloads are kept.
func (a *Artifact) Release() error {
	if a == nil || !a.temp {
		return nil
	}
	return os.RemoveAll(a.Path)
}

// Acquirer fetches artifacts into the cache.
type Acquirer struct {
	cfg     Config
	fetcher Fetcher
	cloner  Cloner
	metrics *metrics.Metrics
	flight  singleflight.Group

	mu sync.Mutex
	// done maps a (URL, checksum) key to the verified file fetched for it.
	done map[string]string
}

// New returns an Acquirer. A nil fetcher or cloner selects the HTTP and git
// implementations; m may be nil.
func New(cfg Config, fetcher Fetcher, cloner Cloner, m *metrics.Metrics) *Acquirer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.BottleTag == "" {
		cfg.BottleTag = formula.PlatformTag()
	}
	if fetcher == nil {
		fetcher = NewHTTPFetcher("keg")
	}
	if cloner == nil {
		cloner = &GitCloner{}
	}
	return &Acquirer{cfg: cfg, fetcher: fetcher, cloner: cloner, metrics: m, done: make(map[string]string)}
}

// Locate returns the artifact location step will use, without fetching.
func (a *Acquirer) Locate(step resolve.Step) (formula.Artifact, error) {
	f := step.Formula
	switch step.Kind {
	case resolve.KindBottle:
		if b, ok := f.Bottle(a.cfg.BottleTag); ok {
			return b, nil
		}
		return formula.Artifact{}, fmt.Errorf("no bottle for %s", a.cfg.BottleTag)
	case resolve.KindSource:
		if s, ok := f.Source(); ok {
			return s, nil
		}
		return formula.Artifact{}, fmt.Errorf("no source is defined")
	default:
		return formula.Artifact{}, fmt.Errorf("%s artifacts have no archive", step.Kind)
	}
}

// Acquire obtains the artifact of one plan step. Failures are reported as
// installerr.KindDownload; nothing is retried.
func (a *Acquirer) Acquire(ctx context.Context, step resolve.Step) (*Artifact, error) {
	logger := ctxlog.FromContext(ctx).With("formula", step.Name(), "kind", step.Kind.String())
	ctx = ctxlog.WithLogger(ctx, logger)

	if step.Kind == resolve.KindHead {
		art, err := a.clone(ctx, step)
		if err != nil {
			return nil, installerr.New(installerr.KindDownload, step.Name(), err)
		}
		return art, nil
	}

	loc, err := a.Locate(step)
	if err != nil {
		return nil, installerr.New(installerr.KindDownload, step.Name(), err)
	}
	dest := CachePath(a.cfg.CacheDir, step.Kind, step.Name(), loc.URL, loc.SHA256)

	key := loc.URL + "\x00" + loc.SHA256
	v, err, shared := a.flight.Do(key, func() (any, error) {
		return a.fetchFile(ctx, step.Kind, key, loc, dest)
	})
	if err != nil {
		return nil, installerr.New(installerr.KindDownload, step.Name(), err)
	}
	res := v.(fetched)
	if shared {
		logger.Debug("Joined in-flight download.", "url", loc.URL, "path", res.path)
	}
	if res.path != dest {
		// Every formula keeps its own copy under its cache namespace.
		if err := place(res.path, dest, loc.SHA256); err != nil {
			return nil, installerr.New(installerr.KindDownload, step.Name(), fmt.Errorf("cache %s: %w", dest, err))
		}
		res = fetched{path: dest, cached: true}
	}
	return &Artifact{
		Kind:            step.Kind,
		Path:            res.path,
		URL:             loc.URL,
		SHA256:          loc.SHA256,
		StripComponents: loc.StripComponents,
		Name:            basename(loc.URL),
		VersionID:       step.Formula.Version(),
		Cached:          res.cached,
	}, nil
}

// fetched is the shared result of one single-flight download.
type fetched struct {
	path   string
	cached bool
}

// fetchFile makes dest, or another cached file verified for key earlier in
// this process, hold the artifact.
func (a *Acquirer) fetchFile(ctx context.Context, kind resolve.ArtifactKind, key string, loc formula.Artifact, dest string) (fetched, error) {
	logger := ctxlog.FromContext(ctx)

	hit, err := cached(dest, loc.SHA256)
	if err != nil {
		return fetched{}, fmt.Errorf("check cache %s: %w", dest, err)
	}
	if hit {
		logger.Debug("Using cached artifact.", "path", dest)
		a.metrics.RecordCacheHit(kind.String())
		a.remember(key, dest)
		return fetched{path: dest, cached: true}, nil
	}
	if src, ok := a.finished(key, loc.SHA256); ok {
		logger.Debug("Reusing artifact fetched for another formula.", "path", src)
		a.metrics.RecordCacheHit(kind.String())
		return fetched{path: src, cached: true}, nil
	}

	logger.Info("Downloading.", "url", loc.URL)
	if err := download(ctx, a.fetcher, loc.URL, loc.SHA256, dest); err != nil {
		return fetched{}, fmt.Errorf("download %s: %w", loc.URL, err)
	}
	a.metrics.RecordDownload(kind.String())
	a.remember(key, dest)
	logger.Debug("Download verified.", "path", dest)
	return fetched{path: dest}, nil
}

func (a *Acquirer) remember(key, path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done[key] = path
}

// finished returns the file already verified for key, if it still holds sum.
func (a *Acquirer) finished(key, sum string) (string, bool) {
	a.mu.Lock()
	path, ok := a.done[key]
	a.mu.Unlock()
	if !ok {
		return "", false
	}
	if hit, err := cached(path, sum); err != nil || !hit {
		return "", false
	}
	return path, true
}

// clone checks a head out into a fresh directory under <cache>/tmp.
func (a *Acquirer) clone(ctx context.Context, step resolve.Step) (*Artifact, error) {
	logger := ctxlog.FromContext(ctx)
	head, ok := step.Formula.Head()
	if !ok {
		return nil, fmt.Errorf("no head is defined")
	}

	tmp := filepath.Join(a.cfg.CacheDir, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(tmp, step.Name()+"-head-")
	if err != nil {
		return nil, err
	}

	logger.Info("Cloning.", "url", head.URL, "branch", head.Branch)
	rev, err := a.cloner.Clone(ctx, head.URL, head.Branch, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("clone %s: %w", head.URL, err)
	}
	if len(rev) < 7 {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("clone %s: unexpected revision %q", head.URL, rev)
	}
	a.metrics.RecordClone()
	logger.Debug("Checked out head.", "revision", rev, "path", dir)

	return &Artifact{
		Kind:      resolve.KindHead,
		Path:      dir,
		URL:       head.URL,
		Revision:  rev,
		VersionID: HeadVersionID(rev),
		temp:      true,
	}, nil
}

// HeadVersionID derives the store version id of a head revision.
func HeadVersionID(revision string) string {
	short := revision
	if len(short) > 7 {
		short = short[:7]
	}
	return HeadPrefix + short
}
