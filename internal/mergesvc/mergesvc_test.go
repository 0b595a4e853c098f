package mergesvc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan-core/internal/config"
	"github.com/kagan-sh/kagan-core/internal/db"
	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/eventbus"
	"github.com/kagan-sh/kagan-core/internal/gitrunner"
	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/internal/tasksvc"
	"github.com/kagan-sh/kagan-core/internal/workspacesvc"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=kagan-test", "GIT_AUTHOR_EMAIL=test@kagan.sh",
		"GIT_COMMITTER_NAME=kagan-test", "GIT_COMMITTER_EMAIL=test@kagan.sh")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

type fixture struct {
	svc        *Service
	tasks      *tasksvc.Service
	workspaces *workspacesvc.Service
	repos      *repositories.Repositories
	projectID  string
}

func setup(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	testDB, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })

	repos := repositories.New(testDB)
	bus := eventbus.NewInMemoryBus()
	tasks := tasksvc.New(repos, bus)
	runner := gitrunner.NewCommandRunner()
	worktrees := gitrunner.NewWorktreeAdapter(runner, config.BaseRefLocal)
	git := gitrunner.NewAdapter(runner)
	workspaces := workspacesvc.New(repos, worktrees, git)
	svc := New(repos, tasks, workspaces, git, bus, cfg)

	projectID := idgen.New()
	require.NoError(t, repos.Projects.Create(context.Background(), &models.Project{ID: projectID, Name: "p1"}))

	return &fixture{svc: svc, tasks: tasks, workspaces: workspaces, repos: repos, projectID: projectID}
}

// provisionedTask creates a task in REVIEW with a single-repo workspace
// whose worktree already has one committed change ready to merge.
func (f *fixture) provisionedTask(t *testing.T, title string) (*models.Task, string, *models.Workspace) {
	t.Helper()
	ctx := context.Background()

	task, err := f.tasks.CreateTask(ctx, f.projectID, title, "do the thing")
	require.NoError(t, err)

	repoPath := initRepo(t)
	repoID := idgen.New()
	require.NoError(t, f.repos.Repos.Create(ctx, &models.Repo{ID: repoID, Name: "repo", Path: repoPath, DefaultBranch: "main"}))

	ws, wsRepos, err := f.workspaces.Provision(ctx, f.projectID, task.ID, task.Title, []workspacesvc.RepoSpec{
		{RepoID: repoID, RepoPath: repoPath, TargetBranch: "main"},
	})
	require.NoError(t, err)
	worktreePath := *wsRepos[0].WorktreePath

	require.NoError(t, os.WriteFile(filepath.Join(worktreePath, "feature.txt"), []byte("feature\n"), 0o644))
	runGit(t, worktreePath, "add", ".")
	runGit(t, worktreePath, "commit", "-m", "add feature")

	_, err = f.tasks.SetStatus(ctx, task.ID, models.TaskReview, "")
	require.NoError(t, err)

	return task, repoPath, ws
}

func TestMergeTask_Succeeds(t *testing.T) {
	f := setup(t, config.New())
	ctx := context.Background()
	task, repoPath, ws := f.provisionedTask(t, "Add feature")

	conflict, err := f.svc.MergeTask(ctx, task)
	require.NoError(t, err)
	assert.Nil(t, conflict)

	updated, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDone, updated.Status)

	gotWs, err := f.repos.Workspaces.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceArchived, gotWs.Status)

	merges, err := f.repos.Merges.ListForWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.Len(t, merges, 1)
	assert.Equal(t, models.MergeSquash, merges[0].MergeType)

	assert.FileExists(t, filepath.Join(repoPath, "feature.txt"))
}

// TestMergeTask_BaseAheadFailsCleanly exercises the "rebase required"
// precheck: if the target branch has moved since the workspace branched,
// MergeSquash refuses the squash outright rather than attempting one
// that could conflict, leaving the target repo untouched and the task
// in REVIEW with its merge-failed flag recorded for UI surfacing.
func TestMergeTask_BaseAheadFailsCleanly(t *testing.T) {
	f := setup(t, config.New())
	ctx := context.Background()
	task, repoPath, _ := f.provisionedTask(t, "Conflicting change")

	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "other.txt"), []byte("main moved on\n"), 0o644))
	runGit(t, repoPath, "add", ".")
	runGit(t, repoPath, "commit", "-m", "diverge on main")

	conflict, err := f.svc.MergeTask(ctx, task)
	require.NoError(t, err)
	require.NotNil(t, conflict)

	status, err := exec.Command("git", "-C", repoPath, "status", "--porcelain").CombinedOutput()
	require.NoError(t, err)
	assert.Empty(t, string(status))

	updated, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskReview, updated.Status)

	failure, err := f.svc.MergeFailure(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, failure)
	assert.Contains(t, failure.Payload["reason"], "rebase required")
}

func TestHasNoChanges(t *testing.T) {
	f := setup(t, config.New())
	ctx := context.Background()

	task, err := f.tasks.CreateTask(ctx, f.projectID, "Exploratory", "")
	require.NoError(t, err)
	repoPath := initRepo(t)
	repoID := idgen.New()
	require.NoError(t, f.repos.Repos.Create(ctx, &models.Repo{ID: repoID, Name: "repo", Path: repoPath, DefaultBranch: "main"}))

	_, _, err = f.workspaces.Provision(ctx, f.projectID, task.ID, task.Title, []workspacesvc.RepoSpec{
		{RepoID: repoID, RepoPath: repoPath, TargetBranch: "main"},
	})
	require.NoError(t, err)

	noChanges, err := f.svc.HasNoChanges(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, noChanges)
}

func TestApplyRejectionFeedback_AppendsAndMoves(t *testing.T) {
	f := setup(t, config.New())
	ctx := context.Background()
	task, _, _ := f.provisionedTask(t, "Needs rework")

	feedback := "missing test coverage"
	require.NoError(t, f.svc.ApplyRejectionFeedback(ctx, task, &feedback, models.TaskInProgress))

	updated, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, updated.Status)
	assert.Contains(t, updated.Description, feedback)
	assert.Contains(t, updated.Description, "Review feedback")
}

func TestCloseExploratory_ArchivesAndMarksDone(t *testing.T) {
	f := setup(t, config.New())
	ctx := context.Background()
	task, _, ws := f.provisionedTask(t, "Spike")

	require.NoError(t, f.svc.CloseExploratory(ctx, task.ID))

	updated, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDone, updated.Status)

	gotWs, err := f.repos.Workspaces.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceArchived, gotWs.Status)
}
