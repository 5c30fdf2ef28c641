// Package git removes and inspects the git worktrees tasks run in.
package git

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/taskdeck/internal/logging"
)

var gitLog = logging.ForComponent(logging.CompLifecycle)

// ErrNotRepo is returned when a project path is not inside a git repository.
var ErrNotRepo = errors.New("not a git repository")

// Worktree represents a git worktree
type Worktree struct {
	Path   string // Filesystem path to the worktree
	Branch string // Branch name checked out in this worktree
	Commit string // HEAD commit SHA
	Bare   bool   // Whether this is the bare repository
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err
}

// IsGitRepo checks if the given directory is inside a git repository
func IsGitRepo(ctx context.Context, dir string) bool {
	_, err := run(ctx, dir, "rev-parse", "--git-dir")
	return err == nil
}

// ListWorktrees returns all worktrees for the repository at repoDir
func ListWorktrees(ctx context.Context, repoDir string) ([]Worktree, error) {
	if !IsGitRepo(ctx, repoDir) {
		return nil, ErrNotRepo
	}
	output, err := run(ctx, repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %s: %w", output, err)
	}
	return parseWorktreeList(output), nil
}

// parseWorktreeList parses the output of `git worktree list --porcelain`
func parseWorktreeList(output string) []Worktree {
	var worktrees []Worktree
	var current Worktree

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = Worktree{}
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			current.Bare = true
		case line == "detached":
			current.Branch = ""
		}
	}

	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// RemoveWorktree removes a worktree from the repository.
// If force is true, it will remove even if there are uncommitted changes.
func RemoveWorktree(ctx context.Context, repoDir, worktreePath string, force bool) error {
	if !IsGitRepo(ctx, repoDir) {
		return ErrNotRepo
	}
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreePath)

	if output, err := run(ctx, repoDir, args...); err != nil {
		return fmt.Errorf("failed to remove worktree: %s: %w", output, err)
	}
	return nil
}

// PruneWorktrees removes stale worktree references
func PruneWorktrees(ctx context.Context, repoDir string) error {
	if output, err := run(ctx, repoDir, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %s: %w", output, err)
	}
	return nil
}

// WorkingCopies removes task working copies. It satisfies the lifecycle
// orchestrator's working-copy port.
type WorkingCopies struct{}

// Remove force-removes the worktree at path from the repository at
// projectPath. A path that is already gone only prunes stale metadata.
// The project repository itself is never removed.
func (WorkingCopies) Remove(ctx context.Context, projectPath, path string) error {
	if sameDir(projectPath, path) {
		return fmt.Errorf("refusing to remove project repository %s", path)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := PruneWorktrees(ctx, projectPath); err != nil {
			gitLog.Debug("prune_failed", slog.String("repo", projectPath), slog.String("error", err.Error()))
		}
		return nil
	}

	registered, err := isRegistered(ctx, projectPath, path)
	if err != nil {
		return err
	}
	if !registered {
		return fmt.Errorf("%s is not a worktree of %s", path, projectPath)
	}
	if err := RemoveWorktree(ctx, projectPath, path, true); err != nil {
		return err
	}
	gitLog.Info("worktree_removed", slog.String("repo", projectPath), slog.String("path", path))
	return nil
}

// Exists reports whether anything is still present at path.
func (WorkingCopies) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isRegistered(ctx context.Context, repoDir, path string) (bool, error) {
	worktrees, err := ListWorktrees(ctx, repoDir)
	if err != nil {
		return false, err
	}
	for _, wt := range worktrees {
		if !wt.Bare && sameDir(wt.Path, path) {
			return true, nil
		}
	}
	return false, nil
}

func sameDir(a, b string) bool {
	ca, errA := filepath.EvalSymlinks(a)
	cb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return ca == cb
}
