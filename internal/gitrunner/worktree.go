package gitrunner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kagan-sh/kagan-core/internal/config"
)

// WorktreeAdapter manages git worktrees across multiple repos, grounded on
// worktrees.py's GitWorktreeAdapter. The base-ref resolution strategy
// (spec §6 KAGAN_WORKTREE_BASE_REF_STRATEGY) controls whether a new
// worktree/diff starts from the local or remote-tracking branch.
type WorktreeAdapter struct {
	runner   *CommandRunner
	strategy config.WorktreeBaseRefStrategy
}

func NewWorktreeAdapter(runner *CommandRunner, strategy config.WorktreeBaseRefStrategy) *WorktreeAdapter {
	if runner == nil {
		runner = NewCommandRunner()
	}
	return &WorktreeAdapter{runner: runner, strategy: strategy}
}

func (w *WorktreeAdapter) run(ctx context.Context, cwd string, args []string) (string, string, error) {
	res, err := w.runner.Run(ctx, cwd, args, true)
	if err != nil {
		return "", "", err
	}
	return res.Stdout, res.Stderr, nil
}

func (w *WorktreeAdapter) runUnchecked(ctx context.Context, cwd string, args []string) (int, string, string, error) {
	res, err := w.runner.Run(ctx, cwd, args, false)
	if err != nil {
		return 0, "", "", err
	}
	return res.ReturnCode, res.Stdout, res.Stderr, nil
}

// CreateWorktree adds a new worktree rooted at worktreePath, checked out
// on a new branchName starting from the resolved base ref.
func (w *WorktreeAdapter) CreateWorktree(ctx context.Context, repoPath, worktreePath, branchName, baseBranch string) error {
	startPoint, err := w.resolveBaseRefWithStrategy(ctx, repoPath, baseBranch, true)
	if err != nil {
		return err
	}
	_, _, err = w.run(ctx, repoPath, []string{"worktree", "add", "-b", branchName, worktreePath, startPoint})
	return err
}

// DeleteWorktree removes a worktree, resolving the owning repo from its
// `.git` gitdir pointer file rather than requiring the caller to track it.
func (w *WorktreeAdapter) DeleteWorktree(ctx context.Context, worktreePath string) error {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return nil
	}
	gitFile := filepath.Join(worktreePath, ".git")
	content, err := os.ReadFile(gitFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	text := strings.TrimSpace(string(content))
	if !strings.HasPrefix(text, "gitdir:") {
		return nil
	}
	gitDir := strings.TrimSpace(strings.SplitN(text, ":", 2)[1])
	// <repo>/.git/worktrees/<name> -> <repo>
	mainRepo := filepath.Dir(filepath.Dir(filepath.Dir(gitDir)))

	_, _, err = w.run(ctx, mainRepo, []string{"worktree", "remove", worktreePath, "--force"})
	return err
}

func (w *WorktreeAdapter) HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error) {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return false, nil
	}
	_, stdout, _, err := w.runUnchecked(ctx, worktreePath, []string{"status", "--porcelain"})
	if err != nil {
		return false, err
	}
	return HasTrackedUncommittedChanges(stdout), nil
}

func (w *WorktreeAdapter) GetDiff(ctx context.Context, worktreePath, targetBranch string) (string, error) {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return "", nil
	}
	baseRef, err := w.resolveBaseRef(ctx, worktreePath, targetBranch)
	if err != nil {
		return "", err
	}
	stdout, _, err := w.run(ctx, worktreePath, []string{"diff", baseRef + "..HEAD"})
	return stdout, err
}

// DiffStats summarizes a worktree's divergence from its target branch.
type DiffStats struct {
	Files      int
	Insertions int
	Deletions  int
	StatLines  []string
}

func (w *WorktreeAdapter) GetDiffStats(ctx context.Context, worktreePath, targetBranch string) (*DiffStats, error) {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return &DiffStats{}, nil
	}
	baseRef, err := w.resolveBaseRef(ctx, worktreePath, targetBranch)
	if err != nil {
		return nil, err
	}
	statOutput, _, err := w.run(ctx, worktreePath, []string{"diff", "--stat", baseRef + "..HEAD"})
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(statOutput), "\n")
	if len(lines) == 0 || (len(lines) == 1 && lines[0] == "") {
		return &DiffStats{}, nil
	}
	summary := lines[len(lines)-1]
	return &DiffStats{
		Files:      extractNumber(summary, "file"),
		Insertions: extractNumber(summary, "insertion"),
		Deletions:  extractNumber(summary, "deletion"),
		StatLines:  lines[:len(lines)-1],
	}, nil
}

func extractNumber(text, word string) int {
	re := regexp.MustCompile(`(\d+)\s+` + regexp.QuoteMeta(word))
	match := re.FindStringSubmatch(text)
	if match == nil {
		return 0
	}
	n, _ := strconv.Atoi(match[1])
	return n
}

func (w *WorktreeAdapter) GetCommitLog(ctx context.Context, worktreePath, baseBranch string) ([]string, error) {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return nil, nil
	}
	baseRef, err := w.resolveBaseRef(ctx, worktreePath, baseBranch)
	if err != nil {
		return nil, err
	}
	stdout, _, err := w.run(ctx, worktreePath, []string{"log", "--oneline", baseRef + "..HEAD"})
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(stdout), nil
}

func (w *WorktreeAdapter) GetFilesChanged(ctx context.Context, worktreePath, baseBranch string) ([]string, error) {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return nil, nil
	}
	baseRef, err := w.resolveBaseRef(ctx, worktreePath, baseBranch)
	if err != nil {
		return nil, err
	}
	stdout, _, err := w.run(ctx, worktreePath, []string{"diff", "--name-only", baseRef + "..HEAD"})
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(stdout), nil
}

// RebaseResult is the outcome of RebaseOntoBase.
type RebaseResult struct {
	Success       bool
	Message       string
	ConflictFiles []string
}

// RebaseOntoBase fetches and rebases the worktree's current branch onto
// the resolved base ref, grounded on spec §4.4's Workspace Service
// "Rebase" operation: on conflict, collect the `diff --name-only
// --diff-filter=U` file list, `git rebase --abort`, and report failure
// with that list so the Merge Service can convert it into a remediation
// note and move the task back to IN_PROGRESS (the "Conflict handoff").
func (w *WorktreeAdapter) RebaseOntoBase(ctx context.Context, worktreePath, baseBranch string) (*RebaseResult, error) {
	baseRef, err := w.resolveBaseRefWithStrategy(ctx, worktreePath, baseBranch, true)
	if err != nil {
		return nil, err
	}

	code, _, stderr, err := w.runUnchecked(ctx, worktreePath, []string{"rebase", baseRef})
	if err != nil {
		return nil, err
	}
	if code == 0 {
		return &RebaseResult{Success: true}, nil
	}

	files, conflictErr := w.rebaseConflictFiles(ctx, worktreePath)
	if conflictErr != nil {
		return nil, conflictErr
	}
	if _, _, _, abortErr := w.runUnchecked(ctx, worktreePath, []string{"rebase", "--abort"}); abortErr != nil {
		return nil, abortErr
	}
	return &RebaseResult{Success: false, Message: strings.TrimSpace(stderr), ConflictFiles: files}, nil
}

func (w *WorktreeAdapter) rebaseConflictFiles(ctx context.Context, worktreePath string) ([]string, error) {
	_, stdout, _, err := w.runUnchecked(ctx, worktreePath, []string{"diff", "--name-only", "--diff-filter=U"})
	if err != nil {
		return nil, err
	}
	if files := nonEmptyLines(stdout); len(files) > 0 {
		return files, nil
	}

	_, status, _, err := w.runUnchecked(ctx, worktreePath, []string{"status", "--porcelain"})
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 3 {
			continue
		}
		code := line[:2]
		if code == "UU" || code == "AA" || code == "DD" {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files, nil
}

func (w *WorktreeAdapter) resolveBaseRef(ctx context.Context, cwd, baseBranch string) (string, error) {
	return w.resolveBaseRefWithStrategy(ctx, cwd, baseBranch, false)
}

// resolveBaseRefWithStrategy implements the three strategies spec §6
// exposes as KAGAN_WORKTREE_BASE_REF_STRATEGY: "local" always prefers the
// local branch; "remote" always prefers origin/<branch> when it exists;
// "local_if_ahead" prefers local only when local is ahead of origin.
func (w *WorktreeAdapter) resolveBaseRefWithStrategy(ctx context.Context, cwd, baseBranch string, refreshRemote bool) (string, error) {
	if w.strategy == config.BaseRefLocal {
		hasLocal, err := w.hasLocalBranch(ctx, cwd, baseBranch)
		if err != nil {
			return "", err
		}
		if hasLocal {
			return baseBranch, nil
		}
		hasRemote, err := w.hasRemoteBranch(ctx, cwd, baseBranch)
		if err != nil {
			return "", err
		}
		if hasRemote {
			return "origin/" + baseBranch, nil
		}
		return baseBranch, nil
	}

	if refreshRemote {
		hasOrigin, err := w.hasRemote(ctx, cwd, "origin")
		if err != nil {
			return "", err
		}
		if hasOrigin {
			w.runUnchecked(ctx, cwd, []string{"fetch", "origin", baseBranch})
		}
	}

	hasLocal, err := w.hasLocalBranch(ctx, cwd, baseBranch)
	if err != nil {
		return "", err
	}
	hasRemote, err := w.hasRemoteBranch(ctx, cwd, baseBranch)
	if err != nil {
		return "", err
	}

	if w.strategy == config.BaseRefRemote {
		if hasRemote {
			return "origin/" + baseBranch, nil
		}
		return baseBranch, nil
	}

	// local_if_ahead
	if hasLocal && hasRemote {
		ahead, err := w.isLocalAheadOfOrigin(ctx, cwd, baseBranch)
		if err != nil {
			return "", err
		}
		if ahead {
			return baseBranch, nil
		}
		return "origin/" + baseBranch, nil
	}
	if hasRemote {
		return "origin/" + baseBranch, nil
	}
	return baseBranch, nil
}

func (w *WorktreeAdapter) hasLocalBranch(ctx context.Context, cwd, branch string) (bool, error) {
	return w.refExists(ctx, cwd, "refs/heads/"+branch)
}

func (w *WorktreeAdapter) hasRemoteBranch(ctx context.Context, cwd, branch string) (bool, error) {
	return w.refExists(ctx, cwd, "refs/remotes/origin/"+branch)
}

func (w *WorktreeAdapter) refExists(ctx context.Context, cwd, ref string) (bool, error) {
	_, stdout, _, err := w.runUnchecked(ctx, cwd, []string{"rev-parse", "--verify", "--quiet", ref})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(stdout) != "", nil
}

func (w *WorktreeAdapter) hasRemote(ctx context.Context, cwd, name string) (bool, error) {
	_, stdout, _, err := w.runUnchecked(ctx, cwd, []string{"remote"})
	if err != nil {
		return false, err
	}
	for _, r := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(r) == name {
			return true, nil
		}
	}
	return false, nil
}

func (w *WorktreeAdapter) isLocalAheadOfOrigin(ctx context.Context, cwd, branch string) (bool, error) {
	_, stdout, _, err := w.runUnchecked(ctx, cwd, []string{"rev-list", "--count", fmt.Sprintf("refs/remotes/origin/%s..refs/heads/%s", branch, branch)})
	if err != nil {
		return false, err
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(stdout))
	if convErr != nil {
		return false, nil
	}
	return n > 0, nil
}

// RunGit executes an arbitrary git command against cwd for callers that
// need an escape hatch beyond the adapter's named operations.
func (w *WorktreeAdapter) RunGit(ctx context.Context, cwd string, args []string, check bool) (string, string, error) {
	res, err := w.runner.Run(ctx, cwd, args, check)
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(res.Stdout), strings.TrimSpace(res.Stderr), nil
}

// PruneWorktrees removes stale worktree administrative entries and
// returns an estimate of how many were pruned.
func (w *WorktreeAdapter) PruneWorktrees(ctx context.Context, repoPath string) (int, error) {
	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		return 0, nil
	}
	_, stdout, _, err := w.runUnchecked(ctx, repoPath, []string{"worktree", "prune", "--verbose"})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "Removing") {
			count++
		}
	}
	return count, nil
}

// ListKaganBranches lists local branches under the kagan/* namespace this
// service owns, for cleanup sweeps.
func (w *WorktreeAdapter) ListKaganBranches(ctx context.Context, repoPath string) ([]string, error) {
	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		return nil, nil
	}
	_, stdout, _, err := w.runUnchecked(ctx, repoPath, []string{"for-each-ref", "--format=%(refname:short)", "refs/heads/kagan/*"})
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(stdout), nil
}

func (w *WorktreeAdapter) DeleteBranch(ctx context.Context, repoPath, branchName string, force bool) (bool, error) {
	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		return false, nil
	}
	flag := "-d"
	if force {
		flag = "-D"
	}
	returncode, _, _, err := w.runUnchecked(ctx, repoPath, []string{"branch", flag, branchName})
	if err != nil {
		return false, err
	}
	return returncode == 0, nil
}

// GetWorktreeForBranch returns the worktree path a branch is checked out
// in, or "" if it isn't checked out anywhere.
func (w *WorktreeAdapter) GetWorktreeForBranch(ctx context.Context, repoPath, branchName string) (string, error) {
	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		return "", nil
	}
	_, stdout, _, err := w.runUnchecked(ctx, repoPath, []string{"worktree", "list", "--porcelain"})
	if err != nil {
		return "", err
	}
	var current string
	for _, line := range strings.Split(stdout, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = strings.TrimSpace(line[len("worktree "):])
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimSpace(line[len("branch "):])
			if ref == "refs/heads/"+branchName {
				return current, nil
			}
		}
	}
	return "", nil
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}
