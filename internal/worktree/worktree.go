// Package worktree provisions isolated git worktrees for agent runs.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"
)

// Provisioner creates and removes task worktrees under <repo>/worktrees.
type Provisioner struct {
	logger *log.Logger
}

// NewProvisioner creates a worktree provisioner.
func NewProvisioner(logger *log.Logger) *Provisioner {
	return &Provisioner{logger: logger}
}

// SanitizeName folds a task name into a filesystem-safe worktree name.
// Every rune that is not a letter, digit, '-', or '_' becomes '-', and the
// result is lowercased. Letters and digits from any script pass through.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.ToLower(b.String())
}

// BranchName returns the branch created for a task's worktree.
func BranchName(remoteTaskID, worktreeName string) string {
	return fmt.Sprintf("task/%s-%s", remoteTaskID, worktreeName)
}

// Path returns where a task's worktree lives under the repo.
func (p *Provisioner) Path(repoPath, worktreeName string) string {
	return filepath.Join(repoPath, "worktrees", worktreeName)
}

// EnsureRoot creates the worktrees directory under the repo.
func (p *Provisioner) EnsureRoot(repoPath string) error {
	dir := filepath.Join(repoPath, "worktrees")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create worktrees dir: %w", err)
	}
	return nil
}

// Fetch pulls the latest refs from all remotes. Failures are logged and
// swallowed; a stale base branch is usable, an aborted provision is not.
func (p *Provisioner) Fetch(ctx context.Context, repoPath string) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "fetch", "--all")
	if output, err := cmd.CombinedOutput(); err != nil {
		p.logger.Warn("git fetch failed", "repo", repoPath, "error", err, "output", strings.TrimSpace(string(output)))
	}
}

// Add creates a worktree at path on a new branch cut from baseBranch, then
// verifies the directory actually exists.
func (p *Provisioner) Add(ctx context.Context, repoPath, branch, path, baseBranch string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "add", "-b", branch, path, baseBranch)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("create worktree: %v\n%s", err, string(output))
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("worktree directory missing after creation: %s", path)
	}
	p.logger.Info("created worktree", "path", path, "branch", branch)
	return nil
}

// Remove force-removes a worktree.
func (p *Provisioner) Remove(ctx context.Context, repoPath, path string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "remove", "--force", path)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("remove worktree: %v\n%s", err, string(output))
	}
	return nil
}
