// Package worktree manages the isolated git worktrees agents execute
// in. Worktrees live in a sibling directory of the repository root so
// agent edits never collide with the main checkout:
//
//	<repo-parent>/.agent-worktrees/agent-{id}-issue-{n}
//
// on branch agent-{id}/issue-{n} (timestamp-suffixed on collision).
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/codeready-toolchain/autopilot/pkg/gitcli"
	"github.com/codeready-toolchain/autopilot/pkg/models"
)

// worktreeDirName is the container directory created next to the repo.
const worktreeDirName = ".agent-worktrees"

var worktreeNamePattern = regexp.MustCompile(`^agent-(\d+)-issue-(\d+)$`)

// Manager creates and destroys agent worktrees. It is stateless across
// calls and safe to share between agent loops; git invocations
// serialize naturally on the repository lock.
type Manager struct {
	repoRoot string
	git      gitcli.Runner

	now func() time.Time // test hook for collision suffixes
}

// NewManager creates a manager for the repository at repoRoot.
func NewManager(repoRoot string, git gitcli.Runner) *Manager {
	return &Manager{repoRoot: repoRoot, git: git, now: time.Now}
}

// ParentDir returns the worktree container directory.
func (m *Manager) ParentDir() string {
	return filepath.Join(filepath.Dir(m.repoRoot), worktreeDirName)
}

// Create makes a fresh worktree for (agentID, issueNumber) off
// origin/main. Any stale directory at the target path is removed
// first. If the branch already exists, it retries once with a
// timestamp suffix. The returned info carries the branch actually used.
func (m *Manager) Create(ctx context.Context, agentID, issueNumber int) (*models.WorktreeInfo, error) {
	path := filepath.Join(m.ParentDir(), fmt.Sprintf("agent-%d-issue-%d", agentID, issueNumber))

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove stale worktree dir: %w", err)
	}
	if err := os.MkdirAll(m.ParentDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create worktree parent dir: %w", err)
	}

	if _, err := m.git.Run(ctx, m.repoRoot, "fetch", "origin", "main"); err != nil {
		return nil, fmt.Errorf("fetch origin main: %w", err)
	}

	branch := fmt.Sprintf("agent-%d/issue-%d", agentID, issueNumber)
	if _, err := m.git.Run(ctx, m.repoRoot, "worktree", "add", "-b", branch, path, "origin/main"); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("add worktree: %w", err)
		}
		// Branch collision from an earlier run: retry once with a
		// timestamp suffix.
		branch = fmt.Sprintf("%s-%d", branch, m.now().Unix())
		if _, err := m.git.Run(ctx, m.repoRoot, "worktree", "add", "-b", branch, path, "origin/main"); err != nil {
			return nil, fmt.Errorf("add worktree with suffixed branch: %w", err)
		}
	}

	return &models.WorktreeInfo{
		Path:        path,
		Branch:      branch,
		AgentID:     agentID,
		IssueNumber: issueNumber,
	}, nil
}

// CommitAndPush stages everything in the worktree, commits with the
// given message, and pushes with upstream set to the current branch.
// Push failures propagate with the git stderr preserved.
func (m *Manager) CommitAndPush(ctx context.Context, path, message string) error {
	if _, err := m.git.Run(ctx, path, "add", "-A"); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	if _, err := m.git.Run(ctx, path, "commit", "-m", message); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	branch, err := gitcli.CurrentBranch(ctx, m.git, path)
	if err != nil {
		return fmt.Errorf("resolve branch: %w", err)
	}
	if _, err := m.git.Run(ctx, path, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// Remove deletes a worktree. `git worktree remove --force` is tried
// first; on failure the directory is deleted recursively. A prune runs
// in both cases so git forgets the registration.
func (m *Manager) Remove(ctx context.Context, path string) error {
	_, err := m.git.Run(ctx, m.repoRoot, "worktree", "remove", "--force", path)
	if err != nil {
		slog.Warn("git worktree remove failed, deleting directory", "path", path, "error", err)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			m.prune(ctx)
			return fmt.Errorf("remove worktree dir: %w", rmErr)
		}
	}
	m.prune(ctx)
	return nil
}

// CleanupOrphaned removes every subdirectory under the worktree parent,
// best-effort, and returns the number removed.
func (m *Manager) CleanupOrphaned(ctx context.Context) int {
	entries, err := os.ReadDir(m.ParentDir())
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.ParentDir(), entry.Name())
		if err := m.Remove(ctx, path); err != nil {
			slog.Warn("Failed to remove orphaned worktree", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// ListActive parses the worktree parent for agent-N-issue-M directories
// and resolves each one's checked-out branch. Entries whose branch
// lookup fails are skipped.
func (m *Manager) ListActive(ctx context.Context) []models.WorktreeInfo {
	entries, err := os.ReadDir(m.ParentDir())
	if err != nil {
		return nil
	}

	var active []models.WorktreeInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		match := worktreeNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		agentID, _ := strconv.Atoi(match[1])
		issueNumber, _ := strconv.Atoi(match[2])

		path := filepath.Join(m.ParentDir(), entry.Name())
		branch, err := gitcli.CurrentBranch(ctx, m.git, path)
		if err != nil {
			continue
		}
		active = append(active, models.WorktreeInfo{
			Path:        path,
			Branch:      branch,
			AgentID:     agentID,
			IssueNumber: issueNumber,
		})
	}
	return active
}

func (m *Manager) prune(ctx context.Context) {
	if _, err := m.git.Run(ctx, m.repoRoot, "worktree", "prune"); err != nil {
		slog.Warn("git worktree prune failed", "error", err)
	}
}
