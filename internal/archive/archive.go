// Package archive unpacks downloaded sources and bottles.
//
// Supported inputs are tar streams, optionally compressed with gzip or xz.
// Anything else is treated as a single plain file and copied as-is. The
// compression is detected from the leading bytes, not the file name.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// Format is the container format of an archive.
type Format int

const (
	Plain Format = iota
	Tar
	TarGz
	TarXz
)

func (f Format) String() string {
	switch f {
	case Tar:
		return "tar"
	case TarGz:
		return "tar.gz"
	case TarXz:
		return "tar.xz"
	default:
		return "plain"
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	tarMagic  = []byte("ustar")
)

// ErrUnsafePath is returned for entries that would land outside the
// destination directory.
var ErrUnsafePath = errors.New("unsafe path in archive")

// Options tune Extract.
type Options struct {
	// StripComponents drops that many leading path elements from every entry.
	StripComponents int
	// Name is the file name used when the input is a plain file. It defaults
	// to the input's base name.
	Name string
}

// Detect sniffs the format of the file at path.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Plain, err
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Plain, err
	}
	return sniff(head[:n]), nil
}

func sniff(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return TarGz
	case bytes.HasPrefix(head, xzMagic):
		return TarXz
	case len(head) >= 262 && bytes.Equal(head[257:262], tarMagic):
		return Tar
	default:
		return Plain
	}
}

// Extract unpacks src into dest, which is created if needed.
func Extract(ctx context.Context, src, dest string, opts Options) (Format, error) {
	format, err := Detect(src)
	if err != nil {
		return Plain, fmt.Errorf("detect archive %s: %w", src, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return format, err
	}

	if format == Plain {
		name := opts.Name
		if name == "" {
			name = filepath.Base(src)
		}
		return format, copyPlain(src, filepath.Join(dest, filepath.Base(name)))
	}

	f, err := os.Open(src)
	if err != nil {
		return format, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	switch format {
	case TarGz:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return format, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case TarXz:
		xzr, err := xz.NewReader(r)
		if err != nil {
			return format, fmt.Errorf("failed to create xz reader: %w", err)
		}
		r = xzr
	}
	if err := untar(ctx, tar.NewReader(r), dest, opts.StripComponents); err != nil {
		return format, fmt.Errorf("extract %s: %w", filepath.Base(src), err)
	}
	return format, nil
}

func untar(ctx context.Context, tr *tar.Reader, dest string, strip int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		name, ok := stripPath(hdr.Name, strip)
		if !ok {
			continue
		}
		target, err := safeJoin(dest, name)
		if err != nil {
			return err
		}
		if err := checkParents(dest, target); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := checkLink(dest, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
		case tar.TypeLink:
			linkName, ok := stripPath(hdr.Linkname, strip)
			if !ok {
				return fmt.Errorf("%w: hard link %s", ErrUnsafePath, hdr.Linkname)
			}
			old, err := safeJoin(dest, linkName)
			if err != nil {
				return err
			}
			if err := checkParents(dest, old); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Link(old, target); err != nil {
				return fmt.Errorf("failed to create hard link %s: %w", target, err)
			}
		}
	}
}

func dirMode(mode int64) os.FileMode {
	return os.FileMode(mode).Perm() | 0o700
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write file %s: %w", target, err)
	}
	return out.Close()
}

func copyPlain(src, target string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	return writeFile(target, in, info.Mode().Perm())
}

// stripPath removes n leading elements of name. ok is false when nothing is
// left.
func stripPath(name string, n int) (string, bool) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")
	if n == 0 {
		return name, name != "" && name != "."
	}
	parts := strings.Split(strings.Trim(name, "/"), "/")
	if len(parts) <= n {
		return "", false
	}
	return strings.Join(parts[n:], "/"), true
}

func safeJoin(base, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSpace(name)))
	if clean == "." || clean == "" {
		return base, nil
	}
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: absolute path %s", ErrUnsafePath, name)
	}
	target := filepath.Join(base, clean)
	if !within(base, target) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

// checkParents rejects a target below base whose existing parent
// directories include a symlink.
func checkParents(base, target string) error {
	rel, err := filepath.Rel(base, filepath.Dir(target))
	if err != nil || rel == "." {
		return err
	}
	cur := base
	for _, el := range strings.Split(rel, string(os.PathSeparator)) {
		cur = filepath.Join(cur, el)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s is below symlink %s", ErrUnsafePath, target, cur)
		}
	}
	return nil
}

// checkLink rejects symlinks whose target resolves outside base. A ".."
// element is only allowed before every other element, so the target never
// climbs out of a directory it reached through another link.
func checkLink(base, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: absolute symlink %s -> %s", ErrUnsafePath, target, linkname)
	}
	descended := false
	for _, el := range strings.Split(filepath.ToSlash(linkname), "/") {
		switch el {
		case "", ".":
		case "..":
			if descended {
				return fmt.Errorf("%w: symlink %s -> %s climbs after descending", ErrUnsafePath, target, linkname)
			}
		default:
			descended = true
		}
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	if !within(base, resolved) {
		return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, target, linkname)
	}
	return nil
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// Root returns the directory holding the unpacked tree: dir itself, or its
// only entry when that entry is a directory.
func Root(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}
