package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/specialistvlad/keg/internal/ctxlog"
	"github.com/specialistvlad/keg/internal/installerr"
)

// ErrLinkConflict is wrapped by ConflictError.
var ErrLinkConflict = errors.New("link conflict")

// ConflictError reports a prefix path that exists and does not belong to the
// store.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s already exists and is not managed by keg", ErrLinkConflict, e.Path)
}

func (e *ConflictError) Unwrap() error { return ErrLinkConflict }

// LinkResult summarizes a Link call.
type LinkResult struct {
	// Skipped is true for keg-only entries; nothing under the prefix changed.
	Skipped bool
	Created int
	// Refreshed counts links that pointed at another store entry.
	Refreshed int
	Opt       string
}

type replaced struct {
	path   string
	target string
}

// linker tracks the links one Link call made so they can be undone.
type linker struct {
	cellar    string
	created   []string
	refreshed []replaced
}

// Link symlinks every file of the entry into the prefix and points
// <prefix>/opt/<name> at the entry. Keg-only entries are skipped entirely.
// Links that already point into the store are replaced; any other existing
// file is a conflict, in which case the links made so far are undone.
func (c *Cellar) Link(ctx context.Context, e *Entry) (*LinkResult, error) {
	logger := ctxlog.FromContext(ctx).With("formula", e.Name, "version_id", e.VersionID)
	if e.Receipt.KegOnly {
		logger.Debug("Not linking keg-only entry.")
		return &LinkResult{Skipped: true}, nil
	}

	l := &linker{cellar: c.cfg.Cellar}
	err := filepath.WalkDir(e.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(e.Path, path)
		if err != nil {
			return err
		}
		if rel == "." || d.IsDir() {
			return nil
		}
		if rel == ReceiptFile {
			return nil
		}
		return l.link(path, filepath.Join(c.cfg.Prefix, rel))
	})
	opt := filepath.Join(c.cfg.Prefix, "opt", e.Name)
	if err == nil {
		err = l.link(e.Path, opt)
	}
	if err != nil {
		l.rollback()
		return nil, installerr.New(installerr.KindStaging, e.Name, fmt.Errorf("link: %w", err))
	}

	e.Receipt.Linked = true
	if err := writeReceipt(e.Path, &e.Receipt); err != nil {
		l.rollback()
		e.Receipt.Linked = false
		return nil, installerr.New(installerr.KindStaging, e.Name, fmt.Errorf("update receipt: %w", err))
	}

	res := &LinkResult{Created: len(l.created), Refreshed: len(l.refreshed), Opt: opt}
	logger.Debug("Linked entry into prefix.", "created", res.Created, "refreshed", res.Refreshed)
	return res, nil
}

// link points dst at src with a relative symlink.
func (l *linker) link(src, dst string) error {
	rel, err := filepath.Rel(filepath.Dir(dst), src)
	if err != nil {
		return err
	}

	info, err := os.Lstat(dst)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.Symlink(rel, dst); err != nil {
			return err
		}
		l.created = append(l.created, dst)
		return nil
	case err != nil:
		return err
	case info.Mode()&os.ModeSymlink == 0:
		return &ConflictError{Path: dst}
	}

	old, err := os.Readlink(dst)
	if err != nil {
		return err
	}
	if old == rel {
		return nil
	}
	if !l.managed(dst, old) {
		return &ConflictError{Path: dst}
	}
	if err := os.Remove(dst); err != nil {
		return err
	}
	if err := os.Symlink(rel, dst); err != nil {
		_ = os.Symlink(old, dst)
		return err
	}
	l.refreshed = append(l.refreshed, replaced{path: dst, target: old})
	return nil
}

// managed reports whether the link at dst with target points into the store.
func (l *linker) managed(dst, target string) bool {
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(dst), target)
	}
	rel, err := filepath.Rel(l.cellar, filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (l *linker) rollback() {
	for i := len(l.created) - 1; i >= 0; i-- {
		_ = os.Remove(l.created[i])
	}
	for i := len(l.refreshed) - 1; i >= 0; i-- {
		r := l.refreshed[i]
		_ = os.Remove(r.path)
		_ = os.Symlink(r.target, r.path)
	}
	l.created, l.refreshed = nil, nil
}
