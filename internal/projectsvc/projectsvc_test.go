package projectsvc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan-core/internal/db"
	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/gitrunner"
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

func setupService(t *testing.T) (*Service, *repositories.Repositories) {
	t.Helper()
	testDB, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })

	repos := repositories.New(testDB)
	runner := gitrunner.NewCommandRunner()
	git := gitrunner.NewAdapter(runner)
	svc := New(repos, git)
	return svc, repos
}

func TestCreateProject_AugmentsAndCommitsGitignoreForNewRepo(t *testing.T) {
	svc, _ := setupService(t)
	repoPath := initRepo(t)

	project, repos, err := svc.CreateProject(context.Background(), "My Project", "desc", []RepoSpec{
		{Path: repoPath, Name: "repo1", DefaultBranch: "main"},
	})
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "My Project", project.Name)

	gitignore, err := os.ReadFile(filepath.Join(repoPath, ".gitignore"))
	require.NoError(t, err)
	content := string(gitignore)
	for _, pattern := range []string{".mcp.json", "opencode.json", "kagan*.json", "*kagan.json", ".kagan/"} {
		assert.Contains(t, content, pattern)
	}

	out, err := exec.Command("git", "-C", repoPath, "status", "--porcelain").CombinedOutput()
	require.NoError(t, err)
	assert.Empty(t, string(out), "the .gitignore augmentation must be committed for a first-time repo")
}

func TestCreateProject_ReusesExistingRepoWithoutAutoCommit(t *testing.T) {
	svc, _ := setupService(t)
	repoPath := initRepo(t)

	_, _, err := svc.CreateProject(context.Background(), "First Project", "", []RepoSpec{
		{Path: repoPath, Name: "repo1", DefaultBranch: "main"},
	})
	require.NoError(t, err)

	// Drop the gitignore addition from HEAD's working tree state to prove
	// the second project's attach still augments the file.
	gitignorePath := filepath.Join(repoPath, ".gitignore")
	require.NoError(t, os.WriteFile(gitignorePath, []byte("stale\n"), 0o644))

	_, repos2, err := svc.CreateProject(context.Background(), "Second Project", "", []RepoSpec{
		{Path: repoPath, Name: "repo1", DefaultBranch: "main"},
	})
	require.NoError(t, err)
	require.Len(t, repos2, 1)

	content, err := os.ReadFile(gitignorePath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "kagan*.json")

	out, err := exec.Command("git", "-C", repoPath, "status", "--porcelain").CombinedOutput()
	require.NoError(t, err)
	assert.NotEmpty(t, string(out), "a repo already known to Kagan should not get an automatic commit")
}

func TestCreateProject_RequiresNameAndRepos(t *testing.T) {
	svc, _ := setupService(t)
	repoPath := initRepo(t)

	_, _, err := svc.CreateProject(context.Background(), "", "", []RepoSpec{{Path: repoPath}})
	require.Error(t, err)

	_, _, err = svc.CreateProject(context.Background(), "Name", "", nil)
	require.Error(t, err)
}

func TestListRepos_ReturnsAttachedRepos(t *testing.T) {
	svc, _ := setupService(t)
	repoPath := initRepo(t)

	project, _, err := svc.CreateProject(context.Background(), "Listed", "", []RepoSpec{
		{Path: repoPath, Name: "repo1", DefaultBranch: "main"},
	})
	require.NoError(t, err)

	repos, err := svc.ListRepos(context.Background(), project.ID)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, repoPath, repos[0].Path)
}
