// Package workspacesvc implements C6: multi-repo worktree provisioning,
// diff computation, and conflict-aware rebase, grounded on spec §4.4 —
// the Workspace Service has no original_source/ counterpart in the
// retrieval pack (the Python implementation's workspace/worktree service
// module was not included in the filtered pack), so this package is
// built directly from spec semantics, reusing internal/gitrunner (C2) for
// every git operation the way operations.py/worktrees.py are reused by
// the sibling services that do have a pack source.
package workspacesvc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/gitrunner"
	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

// RepoSpec is one entry of the Provision request's repo list.
type RepoSpec struct {
	RepoID       string
	RepoPath     string
	TargetBranch string
}

// Service is the Workspace Service: owns Workspace/WorkspaceRepo rows and
// drives worktree creation, diffing, and rebase through the git adapters.
type Service struct {
	workspaces     *repositories.WorkspaceRepo
	workspaceRepos *repositories.WorkspaceRepoRepo
	worktrees      *gitrunner.WorktreeAdapter
	git            *gitrunner.Adapter
}

// New wires a Workspace Service against the repository layer (C1) and
// the git worktree/operations adapters (C2).
func New(repos *repositories.Repositories, worktrees *gitrunner.WorktreeAdapter, git *gitrunner.Adapter) *Service {
	return &Service{
		workspaces:     repos.Workspaces,
		workspaceRepos: repos.WorkspaceRepos,
		worktrees:      worktrees,
		git:            git,
	}
}

var slugInvalidRe = regexp.MustCompile(`[^a-z0-9]+`)

// slug normalizes a task title into a branch-safe fragment, mirroring the
// "kagan/<short_task_id>-<slug(title)>" branch naming convention spec
// §4.4 describes.
func slug(title string) string {
	s := slugInvalidRe.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "task"
	}
	const maxSlugLen = 40
	if len(s) > maxSlugLen {
		s = strings.Trim(s[:maxSlugLen], "-")
	}
	return s
}

// Provision creates one Workspace plus one WorkspaceRepo/worktree per
// entry in repos, per spec §4.4's three-step Provisioning sequence.
func (s *Service) Provision(ctx context.Context, projectID, taskID, title string, repos []RepoSpec) (*models.Workspace, []*models.WorkspaceRepo, error) {
	if len(repos) == 0 {
		return nil, nil, fmt.Errorf("workspacesvc: at least one repo is required to provision a workspace")
	}

	branchName := fmt.Sprintf("kagan/%s-%s", taskID, slug(title))

	workspace := &models.Workspace{
		ID:         idgen.New(),
		ProjectID:  projectID,
		TaskID:     &taskID,
		BranchName: branchName,
		Status:     models.WorkspaceActive,
	}

	workspaceRepos := make([]*models.WorkspaceRepo, 0, len(repos))
	for _, repo := range repos {
		worktreePath := filepath.Join(repo.RepoPath, ".kagan", "worktrees", taskID)
		if err := s.worktrees.CreateWorktree(ctx, repo.RepoPath, worktreePath, branchName, repo.TargetBranch); err != nil {
			return nil, nil, err
		}

		wr := &models.WorkspaceRepo{
			ID:           idgen.New(),
			WorkspaceID:  workspace.ID,
			RepoID:       repo.RepoID,
			TargetBranch: repo.TargetBranch,
			WorktreePath: &worktreePath,
		}
		workspaceRepos = append(workspaceRepos, wr)
	}

	// The workspace's own Path is the primary (first) repo's worktree for
	// single-repo tasks — the common case — and a stable anchor for
	// multi-repo tasks, whose per-repo paths live on each WorkspaceRepo row.
	workspace.Path = *workspaceRepos[0].WorktreePath

	if err := s.workspaces.Create(ctx, workspace); err != nil {
		return nil, nil, err
	}
	for _, wr := range workspaceRepos {
		if err := s.workspaceRepos.Create(ctx, wr); err != nil {
			return nil, nil, err
		}
	}

	return workspace, workspaceRepos, nil
}

// RepoDiff bundles one workspace repo's per-file diffs under its repo id.
type RepoDiff struct {
	RepoID string
	Files  []gitrunner.FileDiff
}

// Diff returns the per-repo, per-file diff surface for a workspace,
// mirroring spec §4.4's "Diff surface".
func (s *Service) Diff(ctx context.Context, workspaceID string) ([]RepoDiff, error) {
	repos, err := s.workspaceRepos.ListForWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	out := make([]RepoDiff, 0, len(repos))
	for _, wr := range repos {
		if wr.WorktreePath == nil {
			continue
		}
		files, err := s.git.GetFileDiffs(ctx, *wr.WorktreePath, wr.TargetBranch)
		if err != nil {
			return nil, err
		}
		out = append(out, RepoDiff{RepoID: wr.RepoID, Files: files})
	}
	return out, nil
}

// RebaseOutcome is one workspace repo's rebase result.
type RebaseOutcome struct {
	RepoID        string
	Success       bool
	Message       string
	ConflictFiles []string
}

// RebaseOntoBase rebases every workspace repo's worktree onto its target
// branch, per spec §4.4's "Rebase" operation. It stops at the first
// conflicting repo and returns the outcomes so far, the last one carrying
// that repo's conflict file list. The task's status is not changed here;
// callers (the rebase_workspace job action and the dispatcher builtin)
// return the outcomes as they are.
func (s *Service) RebaseOntoBase(ctx context.Context, workspaceID string) ([]RebaseOutcome, error) {
	repos, err := s.workspaceRepos.ListForWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	outcomes := make([]RebaseOutcome, 0, len(repos))
	for _, wr := range repos {
		if wr.WorktreePath == nil {
			continue
		}
		result, err := s.worktrees.RebaseOntoBase(ctx, *wr.WorktreePath, wr.TargetBranch)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, RebaseOutcome{
			RepoID:        wr.RepoID,
			Success:       result.Success,
			Message:       result.Message,
			ConflictFiles: result.ConflictFiles,
		})
		if !result.Success {
			return outcomes, nil
		}
	}
	return outcomes, nil
}

// Archive marks a workspace archived without touching its worktrees,
// matching the task-completion lifecycle spec §3 "Lifecycles" describes
// (archival is a status flip; worktree teardown is a separate cleanup step).
func (s *Service) Archive(ctx context.Context, workspaceID string) error {
	return s.workspaces.UpdateStatus(ctx, workspaceID, models.WorkspaceArchived)
}

// Cleanup deletes every worktree belonging to a workspace and marks it
// deleted, for explicit teardown through the workspaces.cleanup builtin.
// CloseExploratory archives instead, and a failed Provision does not call it.
func (s *Service) Cleanup(ctx context.Context, workspaceID string) error {
	repos, err := s.workspaceRepos.ListForWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	for _, wr := range repos {
		if wr.WorktreePath == nil {
			continue
		}
		if err := s.worktrees.DeleteWorktree(ctx, *wr.WorktreePath); err != nil {
			return err
		}
	}
	return s.workspaces.UpdateStatus(ctx, workspaceID, models.WorkspaceDeleted)
}

// GetForTask returns the active workspace for a task, or nil if none.
func (s *Service) GetForTask(ctx context.Context, taskID string) (*models.Workspace, error) {
	ws, err := s.workspaces.GetForTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ws, err
}
