package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// RequireGit skips the test when no git executable is available.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// GitRepo creates a repository holding files in one commit and returns its
// directory and the commit hash.
func GitRepo(t *testing.T, files map[string]string) (string, string) {
	t.Helper()
	RequireGit(t)
	dir := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		mode := os.FileMode(0o644)
		if strings.Contains("/"+name, "/bin/") {
			mode = 0o755
		}
		WriteFile(t, filepath.Join(dir, name), content, mode)
	}

	git := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=keg", "GIT_AUTHOR_EMAIL=keg@example.com",
			"GIT_COMMITTER_NAME=keg", "GIT_COMMITTER_EMAIL=keg@example.com",
			"GIT_CONFIG_NOSYSTEM=1", "HOME="+dir,
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
		return strings.TrimSpace(string(out))
	}
	git("init", "-q")
	git("symbolic-ref", "HEAD", "refs/heads/main")
	git("add", "-A")
	git("commit", "-q", "-m", "initial")
	return dir, git("rev-parse", "HEAD")
}
