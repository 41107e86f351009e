package testutil

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// Compression selects the wrapper WriteTarball applies around the tar stream.
type Compression int

const (
	NoCompression Compression = iota
	Gzip
	Xz
)

// WriteTarball writes files (relative path -> content) as a tar archive at
// path. Paths under a bin/ directory are made executable; entries are
// written in sorted order with their parent directories first.
func WriteTarball(t *testing.T, path string, c Compression, files map[string]string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	out, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, out.Close()) }()

	var w io.Writer = out
	var closers []io.Closer
	switch c {
	case Gzip:
		gz := gzip.NewWriter(out)
		closers = append(closers, gz)
		w = gz
	case Xz:
		xzw, err := xz.NewWriter(out)
		require.NoError(t, err)
		closers = append(closers, xzw)
		w = xzw
	}

	tw := tar.NewWriter(w)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	dirs := make(map[string]bool)
	for _, name := range names {
		for _, dir := range parents(name) {
			if dirs[dir] {
				continue
			}
			dirs[dir] = true
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: dir + "/", Typeflag: tar.TypeDir, Mode: 0o755}))
		}
		content := files[name]
		mode := int64(0o644)
		if strings.Contains("/"+name, "/bin/") {
			mode = 0o755
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     mode,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	for i := len(closers) - 1; i >= 0; i-- {
		require.NoError(t, closers[i].Close())
	}
	return path
}

// WriteTarballEntries writes raw headers, for archives tests need to be
// malformed or to contain links.
func WriteTarballEntries(t *testing.T, path string, entries ...TarEntry) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	out, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, out.Close()) }()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := e.Header
		hdr.Size = int64(len(e.Content))
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		require.NoError(t, tw.WriteHeader(&hdr))
		if e.Content != "" {
			_, err := tw.Write([]byte(e.Content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return path
}

// TarEntry is one raw entry for WriteTarballEntries.
type TarEntry struct {
	Header  tar.Header
	Content string
}

func parents(name string) []string {
	parts := strings.Split(name, "/")
	out := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		out = append(out, strings.Join(parts[:i], "/"))
	}
	return out
}
