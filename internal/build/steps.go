package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/specialistvlad/keg/internal/formula"
)

// StepError reports the build step that failed.
type StepError struct {
	Index  int
	Action string
	Err    error
	// Output is the tail of a failed run step's output.
	Output string
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %d (%s): %v", e.Index+1, e.Action, e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }

// enabled applies the only_if and unless gates of a step.
func enabled(step formula.Step, opts formula.OptionSet) bool {
	if step.OnlyIf != "" && !opts.Has(step.OnlyIf) {
		return false
	}
	if step.Unless != "" && opts.Has(step.Unless) {
		return false
	}
	return true
}

func (e *Executor) runStep(ctx context.Context, sc *scope, step formula.Step) error {
	a, err := newAttrs(sc, step)
	if err != nil {
		return err
	}
	switch step.Action {
	case "run":
		return e.run(ctx, a)
	case "install":
		return install(a)
	case "mkdir":
		return mkdir(a)
	case "write":
		return write(a)
	case "symlink":
		return symlink(a)
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

const outputTail = 4096

func (e *Executor) run(ctx context.Context, a *attrs) error {
	argv, err := a.Strings("argv", true)
	if err != nil {
		return err
	}
	if len(argv) == 0 || argv[0] == "" {
		return fmt.Errorf("run requires a non-empty argv")
	}
	env, err := a.StringMap("env")
	if err != nil {
		return err
	}
	dir := a.scope.buildpath
	if d, err := a.String("dir", false); err != nil {
		return err
	} else if d != "" {
		if dir, err = a.scope.buildPath(d); err != nil {
			return err
		}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), a.scope.env()...)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}

	tail := &tailBuffer{max: outputTail}
	var out io.Writer = tail
	if e.cfg.Output != nil {
		out = io.MultiWriter(tail, e.cfg.Output)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		return &commandError{err: fmt.Errorf("%s: %w", strings.Join(argv, " "), err), output: tail.String()}
	}
	return nil
}

// commandError carries the output of a failed run step up to StepError.
type commandError struct {
	err    error
	output string
}

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

func install(a *attrs) error {
	from, err := a.Strings("from", true)
	if err != nil {
		return err
	}
	to, err := a.String("to", true)
	if err != nil {
		return err
	}
	dest, err := a.scope.stagePath(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, pattern := range from {
		abs, err := a.scope.buildPath(pattern)
		if err != nil {
			return err
		}
		matches, err := filepath.Glob(abs)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("no files match %q", pattern)
		}
		for _, m := range matches {
			if err := copyTree(m, filepath.Join(dest, filepath.Base(m)), false); err != nil {
				return err
			}
		}
	}
	return nil
}

func mkdir(a *attrs) error {
	paths, err := a.Strings("path", true)
	if err != nil {
		return err
	}
	for _, p := range paths {
		dir, err := a.scope.stagePath(p)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func write(a *attrs) error {
	p, err := a.String("path", true)
	if err != nil {
		return err
	}
	content, err := a.String("content", false)
	if err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if m, err := a.String("mode", false); err != nil {
		return err
	} else if m != "" {
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return fmt.Errorf("mode %q is not octal: %w", m, err)
		}
		mode = os.FileMode(parsed).Perm()
	}
	target, err := a.scope.stagePath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(target, []byte(content), mode); err != nil {
		return err
	}
	return os.Chmod(target, mode)
}

func symlink(a *attrs) error {
	target, err := a.String("target", true)
	if err != nil {
		return err
	}
	l, err := a.String("link", true)
	if err != nil {
		return err
	}
	link, err := a.scope.stagePath(l)
	if err != nil {
		return err
	}
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(link), target)
	}
	if !within(a.scope.prefix, filepath.Clean(resolved)) {
		return fmt.Errorf("symlink %s -> %s leaves the staging directory", l, target)
	}
	if filepath.IsAbs(target) {
		// Store entries move after the build, so links inside them stay relative.
		if target, err = filepath.Rel(filepath.Dir(link), target); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	_ = os.Remove(link)
	return os.Symlink(target, link)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return strings.TrimSpace(string(t.buf)) }

// copyTree copies src (a file, symlink or directory) to dst. skipVCS leaves
// out .git directories.
func copyTree(src, dst string, skipVCS bool) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if skipVCS && info.IsDir() && info.Name() == ".git" {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
