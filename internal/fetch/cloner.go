package fetch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Cloner checks out the tip of a repository into dest, an empty directory,
// and returns the checked-out revision.
type Cloner interface {
	Clone(ctx context.Context, url, branch, dest string) (string, error)
}

// GitCloner shells out to git.
type GitCloner struct {
	// Git is the executable; "git" when empty.
	Git string
}

// Clone implements Cloner with a shallow clone.
func (g *GitCloner) Clone(ctx context.Context, url, branch, dest string) (string, error) {
	args := []string{"clone", "--quiet", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dest)
	if _, err := g.run(ctx, "", args...); err != nil {
		return "", err
	}
	rev, err := g.run(ctx, dest, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(rev), nil
}

func (g *GitCloner) run(ctx context.Context, dir string, args ...string) (string, error) {
	git := g.Git
	if git == "" {
		git = "git"
	}
	cmd := exec.CommandContext(ctx, git, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
