package repolog

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Commit stages the issue log and records a commit in the repo's version
// control. A clean tree is not an error: retried activities converge.
func (a *Adapter) Commit(ctx context.Context, repoPath, message string) error {
	lock := a.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	if !isGitRepo(ctx, repoPath) {
		// Logs can live outside version control; nothing to record.
		return nil
	}

	add := exec.CommandContext(ctx, "git", "-C", repoPath, "add", LogDirName)
	if out, err := add.CombinedOutput(); err != nil {
		return fmt.Errorf("git add in %s: %s: %w", repoPath, strings.TrimSpace(string(out)), err)
	}

	if clean(ctx, repoPath) {
		return nil
	}

	commit := exec.CommandContext(ctx, "git", "-C", repoPath, "commit", "-m", message)
	if out, err := commit.CombinedOutput(); err != nil {
		return fmt.Errorf("git commit in %s: %s: %w", repoPath, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func isGitRepo(ctx context.Context, repoPath string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "rev-parse", "--git-dir")
	return cmd.Run() == nil
}

// clean reports whether the staged log directory has no changes to commit.
func clean(ctx context.Context, repoPath string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "status", "--porcelain", LogDirName)
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == ""
}
