package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"github.com/google/renameio"
	"github.com/specialistvlad/keg/internal/resolve"
)

// ErrChecksumMismatch is wrapped by ChecksumError.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ChecksumError reports a download whose digest differs from the declared
// one.
type ChecksumError struct {
	URL      string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%v for %s: expected %s, got %s", ErrChecksumMismatch, e.URL, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._+-]`)

// cacheDirName maps an artifact kind to its cache subdirectory.
func cacheDirName(kind resolve.ArtifactKind) string {
	if kind == resolve.KindBottle {
		return "Bottles"
	}
	return "Sources"
}

// CachePath is where the artifact at rawURL with checksum sum is cached.
func CachePath(root string, kind resolve.ArtifactKind, name, rawURL, sum string) string {
	urlSum := sha256.Sum256([]byte(rawURL))
	prefix := sum
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	file := hex.EncodeToString(urlSum[:4]) + "--" + prefix + "--" + basename(rawURL)
	return filepath.Join(root, cacheDirName(kind), name, file)
}

// basename is the last path element of rawURL, made safe for a file name.
func basename(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	base := unsafeChars.ReplaceAllString(path.Base(p), "_")
	if base == "" || base == "." || base == "/" || base == "_" {
		return "download"
	}
	return base
}

// fileDigest returns the hex sha256 of the file at path.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// cached reports whether dest already holds a file with digest sum.
// A file with another digest is removed.
func cached(dest, sum string) (bool, error) {
	digest, err := fileDigest(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if digest == sum {
		return true, nil
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return false, nil
}

// download fetches rawURL into dest. The bytes go to a temporary file next to
// dest that replaces it only once the digest matches sum; on any failure the
// temporary file is removed and dest is left untouched.
func download(ctx context.Context, f Fetcher, rawURL, sum, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	pf, err := renameio.TempFile(filepath.Dir(dest), dest)
	if err != nil {
		return err
	}
	defer pf.Cleanup()

	h := sha256.New()
	if err := f.Fetch(ctx, rawURL, io.MultiWriter(pf, h)); err != nil {
		return err
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != sum {
		return &ChecksumError{URL: rawURL, Expected: sum, Actual: actual}
	}
	if err := pf.Chmod(0o644); err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}

// place makes dest hold a copy of the verified file src, hard-linking when
// both are on the same filesystem.
func place(src, dest, sum string) error {
	if hit, err := cached(dest, sum); err != nil || hit {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Link(src, dest); err == nil {
		return nil
	} else if errors.Is(err, fs.ErrExist) {
		if hit, cerr := cached(dest, sum); cerr != nil || hit {
			return cerr
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	pf, err := renameio.TempFile(filepath.Dir(dest), dest)
	if err != nil {
		return err
	}
	defer pf.Cleanup()
	if _, err := io.Copy(pf, in); err != nil {
		return err
	}
	if err := pf.Chmod(0o644); err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}
