package archive

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/keg/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tree = map[string]string{
	"testball-0.1/bin/testball": "#!/bin/sh\necho testball\n",
	"testball-0.1/README":       "hello",
}

func TestExtract_Formats(t *testing.T) {
	cases := []struct {
		name string
		c    testutil.Compression
		want Format
	}{
		{"tar", testutil.NoCompression, Tar},
		{"gzip", testutil.Gzip, TarGz},
		{"xz", testutil.Xz, TarXz},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			src := testutil.WriteTarball(t, filepath.Join(dir, "in", "testball.archive"), tc.c, tree)
			dest := filepath.Join(dir, "out")

			format, err := Extract(context.Background(), src, dest, Options{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, format)

			root, err := Root(dest)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dest, "testball-0.1"), root)

			info, err := os.Stat(filepath.Join(root, "bin", "testball"))
			require.NoError(t, err)
			assert.NotZero(t, info.Mode()&0o100, "executable bit is preserved")
			content, err := os.ReadFile(filepath.Join(root, "README"))
			require.NoError(t, err)
			assert.Equal(t, "hello", string(content))
		})
	}
}

func TestExtract_StripComponents(t *testing.T) {
	dir := t.TempDir()
	src := testutil.WriteTarball(t, filepath.Join(dir, "t.tar.gz"), testutil.Gzip, tree)
	dest := filepath.Join(dir, "out")

	_, err := Extract(context.Background(), src, dest, Options{StripComponents: 1})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, "bin", "testball"))
	assert.FileExists(t, filepath.Join(dest, "README"))
}

func TestExtract_PlainFile(t *testing.T) {
	dir := t.TempDir()
	src := testutil.WriteFile(t, filepath.Join(dir, "abc--def--tool"), "#!/bin/sh\n", 0o755)
	dest := filepath.Join(dir, "out")

	format, err := Extract(context.Background(), src, dest, Options{Name: "tool"})
	require.NoError(t, err)
	assert.Equal(t, Plain, format)
	assert.FileExists(t, filepath.Join(dest, "tool"))
}

func TestExtract_RejectsUnsafeEntries(t *testing.T) {
	cases := map[string]testutil.TarEntry{
		"parent traversal":  {Header: tar.Header{Name: "../evil", Typeflag: tar.TypeReg}, Content: "x"},
		"absolute symlink":  {Header: tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"}},
		"escaping symlink":  {Header: tar.Header{Name: "a/link", Typeflag: tar.TypeSymlink, Linkname: "../../outside"}},
		"escaping hardlink": {Header: tar.Header{Name: "hard", Typeflag: tar.TypeLink, Linkname: "../outside"}},
	}
	for name, entry := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			src := testutil.WriteTarballEntries(t, filepath.Join(dir, "bad.tar.gz"), entry)
			_, err := Extract(context.Background(), src, filepath.Join(dir, "out"), Options{})
			assert.ErrorIs(t, err, ErrUnsafePath)
			assert.NoFileExists(t, filepath.Join(dir, "evil"))
		})
	}
}

func TestExtract_RejectsSymlinkChains(t *testing.T) {
	cases := map[string][]testutil.TarEntry{
		"link climbing through another link": {
			{Header: tar.Header{Name: "l", Typeflag: tar.TypeSymlink, Linkname: "."}},
			{Header: tar.Header{Name: "m", Typeflag: tar.TypeSymlink, Linkname: "l/l/l/../.."}},
			{Header: tar.Header{Name: "m/escape.txt", Typeflag: tar.TypeReg}, Content: "x"},
		},
		"file written through a linked directory": {
			{Header: tar.Header{Name: "sub/", Typeflag: tar.TypeDir, Mode: 0o755}},
			{Header: tar.Header{Name: "d", Typeflag: tar.TypeSymlink, Linkname: "sub"}},
			{Header: tar.Header{Name: "d/file", Typeflag: tar.TypeReg}, Content: "x"},
		},
		"hard link through a linked directory": {
			{Header: tar.Header{Name: "sub/real", Typeflag: tar.TypeReg}, Content: "x"},
			{Header: tar.Header{Name: "d", Typeflag: tar.TypeSymlink, Linkname: "sub"}},
			{Header: tar.Header{Name: "hard", Typeflag: tar.TypeLink, Linkname: "d/real"}},
		},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			src := testutil.WriteTarballEntries(t, filepath.Join(dir, "bad.tar.gz"), entries...)
			_, err := Extract(context.Background(), src, filepath.Join(dir, "a", "b", "out"), Options{})
			assert.ErrorIs(t, err, ErrUnsafePath)
			assert.NoFileExists(t, filepath.Join(dir, "a", "escape.txt"))
			assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
		})
	}
}

func TestExtract_InternalSymlink(t *testing.T) {
	dir := t.TempDir()
	src := testutil.WriteTarballEntries(t, filepath.Join(dir, "ok.tar.gz"),
		testutil.TarEntry{Header: tar.Header{Name: "lib/libfoo.so.1", Typeflag: tar.TypeReg}, Content: "elf"},
		testutil.TarEntry{Header: tar.Header{Name: "lib/libfoo.so", Typeflag: tar.TypeSymlink, Linkname: "libfoo.so.1"}},
	)
	dest := filepath.Join(dir, "out")
	_, err := Extract(context.Background(), src, dest, Options{})
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(dest, "lib", "libfoo.so"))
	require.NoError(t, err)
	assert.Equal(t, "libfoo.so.1", target)
}

func TestExtract_Canceled(t *testing.T) {
	dir := t.TempDir()
	src := testutil.WriteTarball(t, filepath.Join(dir, "t.tar"), testutil.NoCompression, tree)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Extract(ctx, src, filepath.Join(dir, "out"), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRoot_MultipleEntries(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, filepath.Join(dir, "a"), "", 0o644)
	testutil.WriteFile(t, filepath.Join(dir, "b", "c"), "", 0o644)
	root, err := Root(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, root)
}
