package workspacesvc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan-core/internal/config"
	"github.com/kagan-sh/kagan-core/internal/db"
	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/gitrunner"
	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/pkg/models"

	"github.com/stretchr/testify/assert"
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

func setupService(t *testing.T) (*Service, *repositories.Repositories, string) {
	t.Helper()
	testDB, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })

	repos := repositories.New(testDB)
	runner := gitrunner.NewCommandRunner()
	worktrees := gitrunner.NewWorktreeAdapter(runner, config.BaseRefLocal)
	git := gitrunner.NewAdapter(runner)
	svc := New(repos, worktrees, git)

	projectID := idgen.New()
	require.NoError(t, repos.Projects.Create(context.Background(), &models.Project{ID: projectID, Name: "p1"}))

	return svc, repos, projectID
}

func TestProvision_SingleRepo(t *testing.T) {
	svc, _, projectID := setupService(t)
	repoPath := initRepo(t)
	taskID := idgen.New()
	ctx := context.Background()

	ws, wsRepos, err := svc.Provision(ctx, projectID, taskID, "Fix the thing!", []RepoSpec{
		{RepoID: "r1", RepoPath: repoPath, TargetBranch: "main"},
	})
	require.NoError(t, err)
	require.Len(t, wsRepos, 1)
	assert.Equal(t, "kagan/"+taskID+"-fix-the-thing", ws.BranchName)
	assert.DirExists(t, *wsRepos[0].WorktreePath)
}

func TestDiff_ReflectsWorktreeChanges(t *testing.T) {
	svc, _, projectID := setupService(t)
	repoPath := initRepo(t)
	taskID := idgen.New()
	ctx := context.Background()

	ws, wsRepos, err := svc.Provision(ctx, projectID, taskID, "Add feature", []RepoSpec{
		{RepoID: "r1", RepoPath: repoPath, TargetBranch: "main"},
	})
	require.NoError(t, err)

	worktreePath := *wsRepos[0].WorktreePath
	require.NoError(t, os.WriteFile(filepath.Join(worktreePath, "new.txt"), []byte("content\n"), 0o644))
	runGit(t, worktreePath, "add", ".")
	runGit(t, worktreePath, "commit", "-m", "add new file")

	diffs, err := svc.Diff(ctx, ws.ID)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	require.Len(t, diffs[0].Files, 1)
	assert.Equal(t, "new.txt", diffs[0].Files[0].Path)
	assert.Equal(t, "added", diffs[0].Files[0].Status)
}

func TestRebaseOntoBase_ConflictReportsFiles(t *testing.T) {
	svc, _, projectID := setupService(t)
	repoPath := initRepo(t)
	taskID := idgen.New()
	ctx := context.Background()

	ws, wsRepos, err := svc.Provision(ctx, projectID, taskID, "Conflicting change", []RepoSpec{
		{RepoID: "r1", RepoPath: repoPath, TargetBranch: "main"},
	})
	require.NoError(t, err)
	worktreePath := *wsRepos[0].WorktreePath

	require.NoError(t, os.WriteFile(filepath.Join(worktreePath, "README.md"), []byte("worktree change\n"), 0o644))
	runGit(t, worktreePath, "commit", "-am", "worktree edit")

	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("main change\n"), 0o644))
	runGit(t, repoPath, "commit", "-am", "main edit")

	outcomes, err := svc.RebaseOntoBase(ctx, ws.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Success)
	assert.Contains(t, outcomes[0].ConflictFiles, "README.md")
}

func TestCleanup_RemovesWorktreeAndMarksDeleted(t *testing.T) {
	svc, repos, projectID := setupService(t)
	repoPath := initRepo(t)
	taskID := idgen.New()
	ctx := context.Background()

	ws, wsRepos, err := svc.Provision(ctx, projectID, taskID, "Throwaway", []RepoSpec{
		{RepoID: "r1", RepoPath: repoPath, TargetBranch: "main"},
	})
	require.NoError(t, err)
	worktreePath := *wsRepos[0].WorktreePath

	require.NoError(t, svc.Cleanup(ctx, ws.ID))
	assert.NoDirExists(t, worktreePath)

	got, err := repos.Workspaces.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceDeleted, got.Status)
}
