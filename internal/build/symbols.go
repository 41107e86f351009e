package build

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/specialistvlad/keg/internal/ctxlog"
)

// Symbolizer produces a debug-symbol bundle next to a binary.
type Symbolizer interface {
	// Supported reports whether bundles can be produced on this platform.
	Supported() bool
	// Symbolize creates the bundle for binary and returns its path.
	Symbolize(ctx context.Context, binary string) (string, error)
}

// Dsymutil produces <binary>.dSYM bundles with the macOS dsymutil tool.
type Dsymutil struct {
	// Path is the executable; "dsymutil" when empty.
	Path string
}

func (d *Dsymutil) tool() string {
	if d.Path == "" {
		return "dsymutil"
	}
	return d.Path
}

// Supported is true on darwin with dsymutil on PATH.
func (d *Dsymutil) Supported() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	_, err := exec.LookPath(d.tool())
	return err == nil
}

// Symbolize runs dsymutil, producing <binary>.dSYM/Contents/Resources/DWARF/<name>.
func (d *Dsymutil) Symbolize(ctx context.Context, binary string) (string, error) {
	bundle := binary + ".dSYM"
	out, err := exec.CommandContext(ctx, d.tool(), binary, "-o", bundle).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("dsymutil %s: %w: %s", filepath.Base(binary), err, strings.TrimSpace(string(out)))
	}
	return bundle, nil
}

// debugSymbols bundles every executable directly under binDir. It does
// nothing when the symbolizer is unsupported on this platform.
func (e *Executor) debugSymbols(ctx context.Context, binDir string) ([]string, error) {
	logger := ctxlog.FromContext(ctx)
	if !e.symbolizer.Supported() {
		logger.Debug("Debug symbols are not supported on this platform.", "goos", runtime.GOOS)
		return nil, nil
	}
	entries, err := os.ReadDir(binDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var bundles []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasSuffix(entry.Name(), ".dSYM") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		if info.Mode().Perm()&0o111 == 0 {
			continue
		}
		bundle, err := e.symbolizer.Symbolize(ctx, filepath.Join(binDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		logger.Debug("Created debug symbols.", "binary", entry.Name(), "bundle", bundle)
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}
