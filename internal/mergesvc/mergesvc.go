// Package mergesvc implements C10: direct/squash merge orchestration,
// no-change detection, rejection-feedback application, and serialized
// manual merges. Like the Workspace Service (C6) and Automation Service
// (C9), the Python Merge Service implementation itself is not included
// in the filtered retrieval pack — only its caller
// (ui/screens/kanban/review_controller.py, via
// has_no_changes/apply_rejection_feedback/close_exploratory call sites)
// is — so this package is built directly from spec §4.8's prose, reusing
// gitrunner's MergeSquash (C2), workspacesvc (C6) for diff/archive, and
// tasksvc (C5) for the status transitions the caller's action names imply.
package mergesvc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kagan-sh/kagan-core/internal/config"
	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/eventbus"
	"github.com/kagan-sh/kagan-core/internal/gitrunner"
	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/internal/logging"
	"github.com/kagan-sh/kagan-core/internal/tasksvc"
	"github.com/kagan-sh/kagan-core/internal/workspacesvc"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

// Service is the Merge Service: drives MergeSquash across a task's
// workspace repos and keeps Task/Workspace/Merge rows consistent with
// the outcome.
type Service struct {
	repos          *repositories.RepoRepo
	workspaceRepos *repositories.WorkspaceRepoRepo
	merges         *repositories.MergeRepo
	scratch        *repositories.ScratchRepo
	tasks          *tasksvc.Service
	workspaces     *workspacesvc.Service
	git            *gitrunner.Adapter
	events         eventbus.Bus
	cfg            *config.Config

	// mu serializes manual merges when cfg.SerializeMerges is set, so two
	// operators cannot race pushes to the same target branch (spec §4.8).
	mu sync.Mutex
}

// New wires a Merge Service against the repository layer (C1), the Task
// and Workspace services (C5/C6), the git adapter (C2), and the event
// bus (C4).
func New(repos *repositories.Repositories, tasks *tasksvc.Service, workspaces *workspacesvc.Service, git *gitrunner.Adapter, events eventbus.Bus, cfg *config.Config) *Service {
	return &Service{
		repos:          repos.Repos,
		workspaceRepos: repos.WorkspaceRepos,
		merges:         repos.Merges,
		scratch:        repos.Scratch,
		tasks:          tasks,
		workspaces:     workspaces,
		git:            git,
		events:         events,
		cfg:            cfg,
	}
}

// HasNoChanges reports whether task's workspace diff is empty across
// every repo — callers use this to offer "close without merge" instead
// of running a no-op merge (spec §4.8).
func (s *Service) HasNoChanges(ctx context.Context, taskID string) (bool, error) {
	ws, err := s.workspaces.GetForTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if ws == nil {
		return false, fmt.Errorf("mergesvc: no workspace for task %s", taskID)
	}
	diffs, err := s.workspaces.Diff(ctx, ws.ID)
	if err != nil {
		return false, err
	}
	for _, d := range diffs {
		if len(d.Files) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// RepoConflict reports one workspace repo's merge-conflict detail when
// MergeTask fails partway through a multi-repo workspace.
type RepoConflict struct {
	RepoID string
	Files  []string
}

// MergeTask runs a squash merge (the only merge type it performs) across
// every workspace repo, in order, stopping at the first conflict. On
// full success it writes one Merge row per repo, moves the task to
// DONE, and archives the workspace. On failure it records the reason
// against the task's merge-failed flag for UI surfacing, leaves the
// task in REVIEW, and returns the conflicting repo's detail.
func (s *Service) MergeTask(ctx context.Context, task *models.Task) (*RepoConflict, error) {
	if s.cfg.SerializeMerges {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	ws, err := s.workspaces.GetForTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, fmt.Errorf("mergesvc: no workspace for task %s", task.ID)
	}

	wsRepos, err := s.workspaceRepos.ListForWorkspace(ctx, ws.ID)
	if err != nil {
		return nil, err
	}

	for _, wr := range wsRepos {
		repo, err := s.repos.Get(ctx, wr.RepoID)
		if err != nil {
			return nil, err
		}

		result, err := s.git.MergeSquash(ctx, repo.Path, ws.BranchName, wr.TargetBranch, "")
		if err != nil {
			return nil, err
		}

		if !result.Success {
			conflict := &RepoConflict{RepoID: wr.RepoID}
			reason := result.Message
			if result.Conflict != nil {
				conflict.Files = result.Conflict.Files
				reason = fmt.Sprintf("%s: %s", result.Message, strings.Join(result.Conflict.Files, ", "))
			}
			if err := s.recordFailure(ctx, task.ID, reason); err != nil {
				logging.Error("mergesvc: task %s: record merge failure: %v", task.ID, err)
			}
			s.events.Publish(eventbus.MergeFailed{TaskID: task.ID, WorkspaceID: ws.ID, Reason: reason, OccurredAt: time.Now().UTC()})
			return conflict, nil
		}

		merge := &models.Merge{
			ID:               idgen.New(),
			WorkspaceID:      ws.ID,
			RepoID:           wr.RepoID,
			MergeType:        models.MergeSquash,
			TargetBranchName: wr.TargetBranch,
			MergeCommit:      nonEmptyPtr(result.CommitSHA),
		}
		if err := s.merges.Create(ctx, merge); err != nil {
			return nil, err
		}
		s.events.Publish(eventbus.MergeCompleted{MergeID: merge.ID, TaskID: task.ID, WorkspaceID: ws.ID, OccurredAt: time.Now().UTC()})
	}

	if err := s.clearFailure(ctx, task.ID); err != nil {
		logging.Error("mergesvc: task %s: clear merge-failed flag: %v", task.ID, err)
	}
	if _, err := s.tasks.SetStatus(ctx, task.ID, models.TaskDone, "merged"); err != nil {
		return nil, err
	}
	if err := s.workspaces.Archive(ctx, ws.ID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Service) recordFailure(ctx context.Context, taskID, reason string) error {
	_, err := s.scratch.Upsert(ctx, models.ScratchMergeFailure, taskID, map[string]any{
		"reason": reason,
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
	return err
}

func (s *Service) clearFailure(ctx context.Context, taskID string) error {
	return s.scratch.Delete(ctx, models.ScratchMergeFailure, taskID)
}

// MergeFailure returns the recorded merge-failed flag for a task, if
// any, for UI surfacing (spec §4.8's "mark merge_failed flag").
func (s *Service) MergeFailure(ctx context.Context, taskID string) (*models.Scratch, error) {
	return s.scratch.Get(ctx, models.ScratchMergeFailure, taskID)
}

// ApplyRejectionFeedback appends feedback (if any) to the task's
// description behind a timestamped separator, then moves it to action
// (BACKLOG or IN_PROGRESS), mirroring review_controller.py's
// apply_rejection_result handling of a reviewer's reject decision.
func (s *Service) ApplyRejectionFeedback(ctx context.Context, task *models.Task, feedback *string, action models.TaskStatus) error {
	description := task.Description
	if feedback != nil && *feedback != "" {
		separator := fmt.Sprintf("\n\n--- Review feedback (%s) ---\n", time.Now().UTC().Format(time.RFC3339))
		description += separator + *feedback
	}
	_, err := s.tasks.UpdateFields(ctx, task.ID, tasksvc.FieldUpdate{Description: &description, Status: &action})
	return err
}

// CloseExploratory archives task's workspace without merging and marks
// the task DONE, for exploratory tasks with no mergeable changes.
func (s *Service) CloseExploratory(ctx context.Context, taskID string) error {
	ws, err := s.workspaces.GetForTask(ctx, taskID)
	if err != nil {
		return err
	}
	if ws == nil {
		return fmt.Errorf("mergesvc: no workspace for task %s", taskID)
	}
	if err := s.workspaces.Archive(ctx, ws.ID); err != nil {
		return err
	}
	_, err = s.tasks.SetStatus(ctx, taskID, models.TaskDone, "closed without merge")
	return err
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
