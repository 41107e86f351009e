// Package testutil holds builders shared by package tests: temporary
// install roots, formula files, archives and git repositories.
package testutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Root is a throwaway install root.
type Root struct {
	Dir      string
	Prefix   string
	Cellar   string
	Cache    string
	Formula  string
	Artifact string
}

// NewRoot lays out prefix, cellar, cache, formula and artifact directories
// under a fresh temporary directory.
func NewRoot(t *testing.T) *Root {
	t.Helper()
	dir := t.TempDir()
	r := &Root{
		Dir:      dir,
		Prefix:   filepath.Join(dir, "prefix"),
		Cellar:   filepath.Join(dir, "prefix", "Cellar"),
		Cache:    filepath.Join(dir, "cache"),
		Formula:  filepath.Join(dir, "Formula"),
		Artifact: filepath.Join(dir, "artifacts"),
	}
	for _, d := range []string{r.Prefix, r.Cellar, r.Cache, r.Formula, r.Artifact} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	return r
}

// Env returns the KEG_* variables pointing at the root.
func (r *Root) Env() map[string]string {
	return map[string]string{
		"HOME":             r.Dir,
		"KEG_PREFIX":       r.Prefix,
		"KEG_CELLAR":       r.Cellar,
		"KEG_CACHE":        r.Cache,
		"KEG_FORMULA_PATH": r.Formula,
	}
}

// WriteFormula writes an HCL formula file named <name>.hcl.
func (r *Root) WriteFormula(t *testing.T, name, content string) string {
	t.Helper()
	return WriteFile(t, filepath.Join(r.Formula, name+".hcl"), content, 0o644)
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string, mode os.FileMode) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	return path
}

// SHA256File returns the hex digest of the file at path.
func SHA256File(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	h := sha256.New()
	_, err = io.Copy(h, f)
	require.NoError(t, err)
	return hex.EncodeToString(h.Sum(nil))
}

// FileURL turns an absolute path into a file:// URL.
func FileURL(path string) string {
	return "file://" + filepath.ToSlash(path)
}
