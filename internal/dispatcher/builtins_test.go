package dispatcher

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
	"github.com/kagan-sh/kagan-core/internal/eventbus"
	"github.com/kagan-sh/kagan-core/internal/gitrunner"
	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/internal/plugin"
	"github.com/kagan-sh/kagan-core/internal/projectsvc"
	"github.com/kagan-sh/kagan-core/internal/tasksvc"
	"github.com/kagan-sh/kagan-core/pkg/kaganapi"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

func TestBuiltins_TasksCreateThenGet(t *testing.T) {
	testDB, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })

	repos := repositories.New(testDB)
	projectID := idgen.New()
	require.NoError(t, repos.Projects.Create(context.Background(), &models.Project{ID: projectID, Name: "p1"}))

	tasks := tasksvc.New(repos, eventbus.NewInMemoryBus())
	audit := repositories.NewAuditRepo(testDB.Conn())
	h := New(plugin.New(), audit, 0, nil)
	RegisterBuiltins(h, Builtins{Tasks: tasks})
	h.RegisterSession("sess-1", plugin.ProfileOperator)

	createResp := h.Dispatch(context.Background(), kaganapi.CoreRequest{
		SessionID:  "sess-1",
		Capability: "tasks",
		Method:     "create",
		Params: map[string]any{
			"project_id": projectID,
			"title":      "Write docs",
		},
	})
	require.True(t, createResp.OK, "create response: %+v", createResp.Error)
	taskID, _ := createResp.Result["id"].(string)
	require.NotEmpty(t, taskID)

	getResp := h.Dispatch(context.Background(), kaganapi.CoreRequest{
		SessionID:  "sess-1",
		Capability: "tasks",
		Method:     "get",
		Params:     map[string]any{"task_id": taskID},
	})
	require.True(t, getResp.OK)
	assert.Equal(t, "Write docs", getResp.Result["title"])
}

func TestBuiltins_TasksCreateMissingTitle(t *testing.T) {
	testDB, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })

	repos := repositories.New(testDB)
	tasks := tasksvc.New(repos, eventbus.NewInMemoryBus())
	audit := repositories.NewAuditRepo(testDB.Conn())
	h := New(plugin.New(), audit, 0, nil)
	RegisterBuiltins(h, Builtins{Tasks: tasks})
	h.RegisterSession("sess-1", plugin.ProfileOperator)

	resp := h.Dispatch(context.Background(), kaganapi.CoreRequest{
		SessionID:  "sess-1",
		Capability: "tasks",
		Method:     "create",
		Params:     map[string]any{"project_id": "p1"},
	})
	require.False(t, resp.OK)
	assert.Equal(t, "INVALID_ARGUMENT", resp.Error.Code)
}

func initRepoDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cmd := func(args ...string) {
		c := exec.Command("git", args...)
		c.Dir = dir
		c.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=kagan-test", "GIT_AUTHOR_EMAIL=test@kagan.sh",
			"GIT_COMMITTER_NAME=kagan-test", "GIT_COMMITTER_EMAIL=test@kagan.sh")
		out, err := c.CombinedOutput()
		require.NoError(t, err, "git %v failed: %s", args, out)
	}
	cmd("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	cmd("add", ".")
	cmd("commit", "-m", "initial")
	return dir
}

func TestBuiltins_ProjectsCreateAugmentsGitignore(t *testing.T) {
	testDB, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })

	repos := repositories.New(testDB)
	git := gitrunner.NewAdapter(gitrunner.NewCommandRunner())
	projects := projectsvc.New(repos, git)
	audit := repositories.NewAuditRepo(testDB.Conn())
	h := New(plugin.New(), audit, 0, nil)
	RegisterBuiltins(h, Builtins{Projects: projects})
	h.RegisterSession("sess-1", plugin.ProfileOperator)

	repoPath := initRepoDir(t)
	resp := h.Dispatch(context.Background(), kaganapi.CoreRequest{
		SessionID:  "sess-1",
		Capability: "projects",
		Method:     "create",
		Params: map[string]any{
			"name": "Demo",
			"repos": []any{
				map[string]any{"path": repoPath, "name": "demo-repo", "default_branch": "main"},
			},
		},
	})
	require.True(t, resp.OK, "create response: %+v", resp.Error)

	content, err := os.ReadFile(filepath.Join(repoPath, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "kagan*.json")
}
