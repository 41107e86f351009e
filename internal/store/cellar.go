// Package store manages the versioned store ("cellar") and the links from the
// shared prefix into it.
//
// An entry lives at <cellar>/<name>/<version-id>. It is assembled in a
// staging directory on the same filesystem, receives its receipt there and
// is then renamed into place, so an observer sees either no entry or a
// complete one.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/specialistvlad/keg/internal/ctxlog"
	"github.com/specialistvlad/keg/internal/formula"
	"github.com/specialistvlad/keg/internal/installerr"
)

const stagingDir = ".staging"

// Config locates the store.
type Config struct {
	Cellar string
	Prefix string
}

// Entry is a complete store entry.
type Entry struct {
	Name      string
	VersionID string
	Path      string
	Receipt   Receipt
}

func (e *Entry) String() string { return e.Path }

// Cellar is the store manager.
type Cellar struct {
	cfg   Config
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

// New returns a Cellar rooted at cfg.Cellar.
func New(cfg Config) *Cellar {
	return &Cellar{cfg: cfg, locks: make(map[string]*sync.Mutex), now: time.Now}
}

// Path is the final path of (name, versionID).
func (c *Cellar) Path(name, versionID string) string {
	return filepath.Join(c.cfg.Cellar, name, versionID)
}

// Staging is a private directory in which an entry is assembled.
type Staging struct {
	Dir  string
	Name string
}

// Discard removes the staging directory.
func (s *Staging) Discard() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	return os.RemoveAll(s.Dir)
}

// Stage creates a fresh staging directory for name.
func (c *Cellar) Stage(name string) (*Staging, error) {
	root := filepath.Join(c.cfg.Cellar, stagingDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, installerr.New(installerr.KindStaging, name, err)
	}
	dir, err := os.MkdirTemp(root, name+"-")
	if err != nil {
		return nil, installerr.New(installerr.KindStaging, name, err)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, installerr.New(installerr.KindStaging, name, err)
	}
	return &Staging{Dir: dir, Name: name}, nil
}

// Lookup returns the complete entry for (name, versionID), if any.
func (c *Cellar) Lookup(name, versionID string) (*Entry, bool) {
	path := c.Path(name, versionID)
	r, err := readReceipt(path)
	if err != nil {
		return nil, false
	}
	return &Entry{Name: name, VersionID: versionID, Path: path, Receipt: *r}, true
}

// Installed lists the complete entries of name, oldest version first.
// Head entries sort after released versions.
func (c *Cellar) Installed(name string) ([]*Entry, error) {
	dirs, err := os.ReadDir(filepath.Join(c.cfg.Cellar, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []*Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if e, ok := c.Lookup(name, d.Name()); ok {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return versionLess(entries[i].VersionID, entries[j].VersionID)
	})
	return entries, nil
}

func versionLess(a, b string) bool {
	aHead, bHead := strings.HasPrefix(a, "HEAD"), strings.HasPrefix(b, "HEAD")
	if aHead != bHead {
		return bHead
	}
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.LessThan(vb)
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}

// CommitInfo describes what produced a staged tree.
type CommitInfo struct {
	Formula      *formula.Formula
	VersionID    string
	Kind         string
	Options      []string
	Revision     string
	URL          string
	SHA256       string
	Requested    bool
	Dependencies []string
}

func (c *Cellar) lock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[key]
	if !ok {
		m = &sync.Mutex{}
		c.locks[key] = m
	}
	return m
}

// ErrInvalidKey is returned for a (name, version-id) that does not name a
// directory directly below <cellar>/<name>.
var ErrInvalidKey = errors.New("invalid store key")

func (c *Cellar) checkKey(name, versionID string) error {
	if !formula.ValidName(name) || !formula.ValidVersionID(versionID) {
		return fmt.Errorf("%w: %q %q", ErrInvalidKey, name, versionID)
	}
	final := c.Path(name, versionID)
	if filepath.Dir(final) != filepath.Join(c.cfg.Cellar, name) || filepath.Base(final) != versionID {
		return fmt.Errorf("%w: %s", ErrInvalidKey, final)
	}
	return nil
}

// Commit moves the staged tree into its final path. existed is true when a
// complete entry was already there, in which case the staging directory is
// discarded and the existing entry returned. On failure the staging
// directory is removed and the final path is left as it was; errors are
// installerr.KindStaging.
//
// A complete entry is never removed. An incomplete tree left at the final
// path by an interrupted run is first moved into the staging area, so other
// processes see either nothing or a complete entry there.
func (c *Cellar) Commit(ctx context.Context, st *Staging, info CommitInfo) (entry *Entry, existed bool, err error) {
	name := info.Formula.Name()
	logger := ctxlog.FromContext(ctx).With("formula", name, "version_id", info.VersionID)

	committed := false
	defer func() {
		if !committed {
			_ = st.Discard()
		}
	}()

	if err := c.checkKey(name, info.VersionID); err != nil {
		return nil, false, installerr.New(installerr.KindStaging, name, err)
	}

	m := c.lock(name + "/" + info.VersionID)
	m.Lock()
	defer m.Unlock()

	final := c.Path(name, info.VersionID)
	if e, ok := c.Lookup(name, info.VersionID); ok {
		logger.Debug("Entry already installed.", "path", final)
		return e, true, nil
	}

	kegOnly, _ := info.Formula.KegOnly()
	receipt := &Receipt{
		Name:               name,
		VersionID:          info.VersionID,
		Version:            info.Formula.Version(),
		Kind:               info.Kind,
		Options:            info.Options,
		Revision:           info.Revision,
		URL:                info.URL,
		SHA256:             info.SHA256,
		KegOnly:            kegOnly,
		InstalledOnRequest: info.Requested,
		Dependencies:       info.Dependencies,
		Platform:           runtime.GOOS + "_" + runtime.GOARCH,
		Time:               c.now().UTC().Truncate(time.Second),
	}
	if err := writeReceipt(st.Dir, receipt); err != nil {
		return nil, false, installerr.New(installerr.KindStaging, name, fmt.Errorf("write receipt: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, false, installerr.New(installerr.KindStaging, name, err)
	}

	err = os.Rename(st.Dir, final)
	if err != nil {
		// Another process may have committed the same entry first.
		if e, ok := c.Lookup(name, info.VersionID); ok {
			logger.Debug("Entry committed concurrently.", "path", final)
			return e, true, nil
		}
		if _, statErr := os.Lstat(final); statErr == nil {
			e, ok, evictErr := c.evictIncomplete(ctx, name, info.VersionID)
			if evictErr != nil {
				return nil, false, installerr.New(installerr.KindStaging, name, evictErr)
			}
			if ok {
				logger.Debug("Entry committed concurrently.", "path", final)
				return e, true, nil
			}
			err = os.Rename(st.Dir, final)
		}
	}
	if err != nil {
		if e, ok := c.Lookup(name, info.VersionID); ok {
			logger.Debug("Entry committed concurrently.", "path", final)
			return e, true, nil
		}
		return nil, false, installerr.New(installerr.KindStaging, name, fmt.Errorf("commit %s: %w", final, err))
	}
	committed = true
	logger.Debug("Committed store entry.", "path", final)
	return &Entry{Name: name, VersionID: info.VersionID, Path: final, Receipt: *receipt}, false, nil
}

// evictIncomplete moves the tree at the final path of (name, versionID) into
// the staging area and removes it there. If the moved tree turns out to be a
// complete entry, committed by another process after the caller looked, it
// is moved back and returned with ok set.
func (c *Cellar) evictIncomplete(ctx context.Context, name, versionID string) (*Entry, bool, error) {
	logger := ctxlog.FromContext(ctx).With("formula", name, "version_id", versionID)
	final := c.Path(name, versionID)

	root := filepath.Join(c.cfg.Cellar, stagingDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, false, err
	}
	aside, err := os.MkdirTemp(root, name+"-stale-")
	if err != nil {
		return nil, false, err
	}
	moved := filepath.Join(aside, versionID)
	if err := os.Rename(final, moved); err != nil {
		_ = os.RemoveAll(aside)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("move incomplete entry %s: %w", final, err)
	}

	if _, err := readReceipt(moved); err == nil {
		if err := os.Rename(moved, final); err == nil {
			_ = os.RemoveAll(aside)
		} else {
			logger.Warn("Could not restore store entry.", "path", moved, "error", err)
		}
		e, ok := c.Lookup(name, versionID)
		return e, ok, nil
	}

	logger.Warn("Removing incomplete store entry.", "path", final)
	if err := os.RemoveAll(aside); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

// Prune removes staging directories left behind by interrupted runs.
func (c *Cellar) Prune(ctx context.Context) error {
	root := filepath.Join(c.cfg.Cellar, stagingDir)
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	logger := ctxlog.FromContext(ctx)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if c.now().Sub(info.ModTime()) < 24*time.Hour {
			continue
		}
		logger.Debug("Pruning stale staging directory.", "path", e.Name())
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
