package dispatcher

import (
	"context"
	"time"

	"github.com/kagan-sh/kagan-core/internal/automation"
	"github.com/kagan-sh/kagan-core/internal/jobsvc"
	"github.com/kagan-sh/kagan-core/internal/kerrors"
	"github.com/kagan-sh/kagan-core/internal/mergesvc"
	"github.com/kagan-sh/kagan-core/internal/projectsvc"
	"github.com/kagan-sh/kagan-core/internal/sessionsvc"
	"github.com/kagan-sh/kagan-core/internal/tasksvc"
	"github.com/kagan-sh/kagan-core/internal/workspacesvc"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

// Builtins bundles every core service the dispatcher's built-in handler
// map addresses (spec §4.11's "built-in dispatch map keyed by
// (capability, method)"). Registering them against a Host is the last
// wiring step cmd/kagand performs before starting the IPC listener.
type Builtins struct {
	Projects   *projectsvc.Service
	Tasks      *tasksvc.Service
	Workspaces *workspacesvc.Service
	Sessions   *sessionsvc.Service
	Automation *automation.Service
	Merges     *mergesvc.Service
	Jobs       *jobsvc.Service
}

// RegisterBuiltins wires every spec §4.3-§4.9 operation this core exposes
// directly (as opposed to via a plugin, C12) onto h's built-in dispatch
// map, one capability per service.
func RegisterBuiltins(h *Host, b Builtins) {
	registerProjectHandlers(h, b.Projects)
	registerTaskHandlers(h, b.Tasks)
	registerWorkspaceHandlers(h, b.Workspaces)
	registerSessionHandlers(h, b.Sessions)
	registerAutomationHandlers(h, b.Automation, b.Tasks)
	registerMergeHandlers(h, b.Merges)
	registerJobHandlers(h, b.Jobs)
}

const (
	capProjects   = "projects"
	capTasks      = "tasks"
	capWorkspaces = "workspaces"
	capSessions   = "sessions"
	capAutomation = "automation"
	capMerges     = "merges"
	capJobs       = "jobs"
)

func registerProjectHandlers(h *Host, svc *projectsvc.Service) {
	h.RegisterBuiltin(capProjects, "create", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		name, err := requireString(params, "name")
		if err != nil {
			return nil, err
		}
		description, _ := params["description"].(string)

		rawRepos, _ := params["repos"].([]any)
		specs := make([]projectsvc.RepoSpec, 0, len(rawRepos))
		for _, raw := range rawRepos {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			path, _ := m["path"].(string)
			repoName, _ := m["name"].(string)
			defaultBranch, _ := m["default_branch"].(string)
			isPrimary, _ := m["is_primary"].(bool)
			spec := projectsvc.RepoSpec{Path: path, Name: repoName, DefaultBranch: defaultBranch, IsPrimary: isPrimary}
			if dn, ok := m["display_name"].(string); ok {
				spec.DisplayName = &dn
			}
			specs = append(specs, spec)
		}

		project, repos, err := svc.CreateProject(ctx, name, description, specs)
		if err != nil {
			return nil, err
		}
		return map[string]any{"project": toMap(project), "repos": toMap(repos)}, nil
	})

	h.RegisterBuiltin(capProjects, "get", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "project_id")
		if err != nil {
			return nil, err
		}
		project, err := svc.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return toMap(project), nil
	})

	h.RegisterBuiltin(capProjects, "list", func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		projects, err := svc.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"projects": toMap(projects)}, nil
	})

	h.RegisterBuiltin(capProjects, "list_repos", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "project_id")
		if err != nil {
			return nil, err
		}
		repos, err := svc.ListRepos(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"repos": toMap(repos)}, nil
	})
}

func registerTaskHandlers(h *Host, svc *tasksvc.Service) {
	h.RegisterBuiltin(capTasks, "create", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		title, err := requireString(params, "title")
		if err != nil {
			return nil, err
		}
		projectID, err := requireString(params, "project_id")
		if err != nil {
			return nil, err
		}
		description, _ := params["description"].(string)
		task, err := svc.CreateTask(ctx, projectID, title, description)
		if err != nil {
			return nil, err
		}
		return toMap(task), nil
	})

	h.RegisterBuiltin(capTasks, "get", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		task, err := svc.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return toMap(task), nil
	})

	h.RegisterBuiltin(capTasks, "list", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		projectID := optionalString(params, "project_id")
		var status *models.TaskStatus
		if s := optionalString(params, "status"); s != nil {
			st := models.TaskStatus(*s)
			status = &st
		}
		tasks, err := svc.ListTasks(ctx, projectID, status)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tasks": toMap(tasks)}, nil
	})

	h.RegisterBuiltin(capTasks, "search", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		q, err := requireString(params, "query")
		if err != nil {
			return nil, err
		}
		tasks, err := svc.Search(ctx, q)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tasks": toMap(tasks)}, nil
	})

	h.RegisterBuiltin(capTasks, "delete", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		deleted, err := svc.DeleteTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": deleted}, nil
	})

	h.RegisterBuiltin(capTasks, "update", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		var fields tasksvc.FieldUpdate
		fields.Title = optionalString(params, "title")
		fields.Description = optionalString(params, "description")
		if p := optionalString(params, "priority"); p != nil {
			pr := models.TaskPriority(*p)
			fields.Priority = &pr
		}
		if t := optionalString(params, "task_type"); t != nil {
			tt := models.TaskType(*t)
			fields.TaskType = &tt
		}
		fields.AgentBackend = optionalString(params, "agent_backend")
		if s := optionalString(params, "status"); s != nil {
			st := models.TaskStatus(*s)
			fields.Status = &st
		}
		task, err := svc.UpdateFields(ctx, id, fields)
		if err != nil {
			return nil, err
		}
		return toMap(task), nil
	})

	h.RegisterBuiltin(capTasks, "move", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		status, err := requireString(params, "status")
		if err != nil {
			return nil, err
		}
		task, err := svc.Move(ctx, id, models.TaskStatus(status))
		if err != nil {
			return nil, err
		}
		return toMap(task), nil
	})

	h.RegisterBuiltin(capTasks, "review_pass", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		task, err := svc.SyncStatusFromReviewPass(ctx, id)
		if err != nil {
			return nil, err
		}
		return toMap(task), nil
	})

	h.RegisterBuiltin(capTasks, "review_reject", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		reason := ""
		if r := optionalString(params, "reason"); r != nil {
			reason = *r
		}
		task, err := svc.SyncStatusFromReviewReject(ctx, id, reason)
		if err != nil {
			return nil, err
		}
		return toMap(task), nil
	})

	h.RegisterBuiltin(capTasks, "links", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		links, err := svc.GetTaskLinks(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"links": links}, nil
	})

	h.RegisterBuiltin(capTasks, "scratchpad_get", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		content, err := svc.GetScratchpad(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"content": content}, nil
	})

	h.RegisterBuiltin(capTasks, "scratchpad_update", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		content, err := requireString(params, "content")
		if err != nil {
			return nil, err
		}
		if err := svc.UpdateScratchpad(ctx, id, content); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
}

func registerWorkspaceHandlers(h *Host, svc *workspacesvc.Service) {
	h.RegisterBuiltin(capWorkspaces, "provision", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		projectID, err := requireString(params, "project_id")
		if err != nil {
			return nil, err
		}
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		title, err := requireString(params, "title")
		if err != nil {
			return nil, err
		}
		rawRepos, _ := params["repos"].([]any)
		specs := make([]workspacesvc.RepoSpec, 0, len(rawRepos))
		for _, raw := range rawRepos {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			repoID, _ := m["repo_id"].(string)
			repoPath, _ := m["repo_path"].(string)
			targetBranch, _ := m["target_branch"].(string)
			specs = append(specs, workspacesvc.RepoSpec{RepoID: repoID, RepoPath: repoPath, TargetBranch: targetBranch})
		}
		ws, wsRepos, err := svc.Provision(ctx, projectID, taskID, title, specs)
		if err != nil {
			return nil, err
		}
		return map[string]any{"workspace": toMap(ws), "workspace_repos": toMap(wsRepos)}, nil
	})

	h.RegisterBuiltin(capWorkspaces, "diff", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "workspace_id")
		if err != nil {
			return nil, err
		}
		diffs, err := svc.Diff(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"diffs": toMap(diffs)}, nil
	})

	h.RegisterBuiltin(capWorkspaces, "rebase", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "workspace_id")
		if err != nil {
			return nil, err
		}
		outcomes, err := svc.RebaseOntoBase(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"outcomes": toMap(outcomes)}, nil
	})

	h.RegisterBuiltin(capWorkspaces, "archive", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "workspace_id")
		if err != nil {
			return nil, err
		}
		if err := svc.Archive(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})

	h.RegisterBuiltin(capWorkspaces, "cleanup", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		id, err := requireString(params, "workspace_id")
		if err != nil {
			return nil, err
		}
		if err := svc.Cleanup(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})

	h.RegisterBuiltin(capWorkspaces, "get_for_task", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		ws, err := svc.GetForTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return toMap(ws), nil
	})
}

func registerSessionHandlers(h *Host, svc *sessionsvc.Service) {
	h.RegisterBuiltin(capSessions, "create", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		taskJSON := optionalMap(params, "task")
		if taskJSON == nil {
			return nil, kerrors.New(kerrors.CodeInvalidArgument, "task is required")
		}
		task := &models.Task{}
		if id, ok := taskJSON["id"].(string); ok {
			task.ID = id
		}
		workspaceID, err := requireString(params, "workspace_id")
		if err != nil {
			return nil, err
		}
		worktreePath, err := requireString(params, "worktree_path")
		if err != nil {
			return nil, err
		}
		expected, _ := params["expected_worktree"].(string)
		reuse := optionalBool(params, "reuse_if_exists", true)
		res, err := svc.CreateSession(ctx, sessionsvc.Request{
			Task:             task,
			WorkspaceID:      workspaceID,
			WorktreePath:     worktreePath,
			ExpectedWorktree: expected,
			ReuseIfExists:    reuse,
		})
		if err != nil {
			return nil, err
		}
		return toMap(res), nil
	})

	h.RegisterBuiltin(capSessions, "exists", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		exists, err := svc.SessionExists(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"exists": exists}, nil
	})

	h.RegisterBuiltin(capSessions, "attach", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		attached, err := svc.AttachSession(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"attached": attached}, nil
	})

	h.RegisterBuiltin(capSessions, "kill", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		sessionID, err := requireString(params, "session_id")
		if err != nil {
			return nil, err
		}
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		if err := svc.KillSession(ctx, sessionID, taskID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
}

func registerAutomationHandlers(h *Host, svc *automation.Service, tasks *tasksvc.Service) {
	h.RegisterBuiltin(capAutomation, "spawn", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		workspacePath, err := requireString(params, "workspace_path")
		if err != nil {
			return nil, err
		}
		task, err := tasks.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, kerrors.New(kerrors.CodeInvalidArgument, "unknown task")
		}
		if err := svc.SpawnForTask(task, workspacePath); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})

	h.RegisterBuiltin(capAutomation, "stop", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		svc.StopTask(taskID)
		return map[string]any{"ok": true}, nil
	})

	h.RegisterBuiltin(capAutomation, "state", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		state, ok := svc.State(taskID)
		if !ok {
			return map[string]any{"active": false}, nil
		}
		return map[string]any{"active": true, "state": string(state)}, nil
	})

	h.RegisterBuiltin(capAutomation, "active_count", func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		return map[string]any{"active_count": svc.ActiveCount()}, nil
	})
}

func registerMergeHandlers(h *Host, svc *mergesvc.Service) {
	h.RegisterBuiltin(capMerges, "has_no_changes", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		noChanges, err := svc.HasNoChanges(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"no_changes": noChanges}, nil
	})

	h.RegisterBuiltin(capMerges, "merge_task", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		taskJSON := optionalMap(params, "task")
		if taskJSON == nil {
			return nil, kerrors.New(kerrors.CodeInvalidArgument, "task is required")
		}
		task := &models.Task{}
		if id, ok := taskJSON["id"].(string); ok {
			task.ID = id
		}
		conflict, err := svc.MergeTask(ctx, task)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			return map[string]any{"success": false, "conflict": toMap(conflict)}, nil
		}
		return map[string]any{"success": true}, nil
	})

	h.RegisterBuiltin(capMerges, "apply_rejection_feedback", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		taskJSON := optionalMap(params, "task")
		if taskJSON == nil {
			return nil, kerrors.New(kerrors.CodeInvalidArgument, "task is required")
		}
		task := &models.Task{}
		if id, ok := taskJSON["id"].(string); ok {
			task.ID = id
		}
		if d, ok := taskJSON["description"].(string); ok {
			task.Description = d
		}
		feedback := optionalString(params, "feedback")
		action, err := requireString(params, "action")
		if err != nil {
			return nil, err
		}
		if err := svc.ApplyRejectionFeedback(ctx, task, feedback, models.TaskStatus(action)); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})

	h.RegisterBuiltin(capMerges, "close_exploratory", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		if err := svc.CloseExploratory(ctx, taskID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
}

func registerJobHandlers(h *Host, svc *jobsvc.Service) {
	h.RegisterBuiltin(capJobs, "submit", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		action, err := requireString(params, "action")
		if err != nil {
			return nil, err
		}
		jobParams := optionalMap(params, "params")
		job, err := svc.Submit(ctx, taskID, action, jobParams)
		if err != nil {
			return nil, err
		}
		return toMap(job), nil
	})

	h.RegisterBuiltin(capJobs, "get", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		jobID, err := requireString(params, "job_id")
		if err != nil {
			return nil, err
		}
		job, err := svc.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return toMap(job), nil
	})

	h.RegisterBuiltin(capJobs, "events", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		jobID, err := requireString(params, "job_id")
		if err != nil {
			return nil, err
		}
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		events, err := svc.Events(ctx, jobID, taskID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"events": toMap(events)}, nil
	})

	h.RegisterBuiltin(capJobs, "wait", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		jobID, err := requireString(params, "job_id")
		if err != nil {
			return nil, err
		}
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		var timeout *time.Duration
		if t, ok := params["timeout_seconds"].(float64); ok {
			d := time.Duration(t * float64(time.Second))
			timeout = &d
		}
		job, err := svc.Wait(ctx, jobID, taskID, timeout)
		if err != nil {
			return nil, err
		}
		return toMap(job), nil
	})

	h.RegisterBuiltin(capJobs, "cancel", func(ctx context.Context, _ string, params map[string]any) (map[string]any, error) {
		jobID, err := requireString(params, "job_id")
		if err != nil {
			return nil, err
		}
		taskID, err := requireString(params, "task_id")
		if err != nil {
			return nil, err
		}
		job, err := svc.Cancel(ctx, jobID, taskID)
		if err != nil {
			return nil, err
		}
		return toMap(job), nil
	})
}
