package sessionsvc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan-core/internal/config"
	"github.com/kagan-sh/kagan-core/internal/db"
	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/internal/kerrors"
	"github.com/kagan-sh/kagan-core/internal/procrunner"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

func setupService(t *testing.T) (*Service, string) {
	t.Helper()
	testDB, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })

	repos := repositories.New(testDB)
	cfg := config.New()
	svc := New(repos, cfg)

	workspaceID := idgen.New()
	return svc, workspaceID
}

func TestBuildLaunchCommand(t *testing.T) {
	cases := []struct {
		agent string
		model string
		want  string
	}{
		{"claude", "", `claude 'go fix it'`},
		{"claude", "opus", `claude --model opus 'go fix it'`},
		{"codex", "", `codex 'go fix it'`},
		{"opencode", "anthropic/claude-sonnet-4-5", `opencode --model anthropic/claude-sonnet-4-5 --prompt 'go fix it'`},
		{"kimi", "", `kimi --prompt 'go fix it' --mcp-config-file .mcp.json`},
		{"copilot", "", "copilot"},
		{"unknown-agent", "", "unknown-agent"},
	}
	for _, tc := range cases {
		got := buildLaunchCommand(tc.agent, "go fix it", tc.model, ".mcp.json")
		assert.Equal(t, tc.want, got, "agent=%s", tc.agent)
	}
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "hello", shellQuote("hello"))
	assert.Equal(t, `'"quoted string"'`, shellQuote(`"quoted string"`))
	assert.Equal(t, `'it'\''s here'`, shellQuote("it's here"))
}

func TestResolveBackend(t *testing.T) {
	svc, _ := setupService(t)

	tmux := models.TerminalTmux
	task := &models.Task{TerminalBackend: &tmux}
	assert.Equal(t, config.BackendTmux, svc.resolveBackend(task))

	vscode := models.TerminalVSCode
	task2 := &models.Task{TerminalBackend: &vscode}
	assert.Equal(t, config.BackendVSCode, svc.resolveBackend(task2))

	task3 := &models.Task{}
	assert.Equal(t, svc.cfg.DefaultPairTerminalBackend, svc.resolveBackend(task3))
}

func TestWriteMCPConfig_ClaudeFormat(t *testing.T) {
	dir := t.TempDir()
	filename, err := writeMCPConfig(dir, "claude")
	require.NoError(t, err)
	assert.Equal(t, ".mcp.json", filename)

	body, err := os.ReadFile(filepath.Join(dir, filename))
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	servers, ok := parsed["mcpServers"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, servers, "kagan")
}

func TestWriteMCPConfig_OpencodeFormat_MergesExisting(t *testing.T) {
	dir := t.TempDir()
	existing := `{"mcp": {"other": {"command": "x"}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "opencode.json"), []byte(existing), 0o644))

	filename, err := writeMCPConfig(dir, "opencode")
	require.NoError(t, err)
	assert.Equal(t, "opencode.json", filename)

	body, err := os.ReadFile(filepath.Join(dir, filename))
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	mcp, ok := parsed["mcp"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, mcp, "other")
	assert.Contains(t, mcp, "kagan")
}

func TestEnsureGitignored_AppendsOnce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ensureGitignored(dir, ".mcp.json"))
	require.NoError(t, ensureGitignored(dir, ".mcp.json"))

	body, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, 1, countOccurrences(string(body), ".mcp.json"))
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
		}
	}
	return count
}

func TestCreateSession_TmuxBackend_IsIdempotent(t *testing.T) {
	svc, workspaceID := setupService(t)
	ctx := context.Background()
	worktree := t.TempDir()

	task := &models.Task{ID: idgen.New(), Title: "Fix the thing", Description: "Do the work"}
	t.Cleanup(func() {
		_, _ = procrunner.RunExecCapture(ctx, tmuxExecutable, []string{"kill-session", "-t", sessionName(task.ID)}, "", nil, 5*time.Second, procrunner.DefaultRetryPolicy())
	})

	req := Request{Task: task, WorkspaceID: workspaceID, WorktreePath: worktree, ReuseIfExists: true}

	result, err := svc.CreateSession(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, config.BackendTmux, result.Backend)
	assert.False(t, result.Reused)

	exists, err := svc.SessionExists(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	assert.FileExists(t, filepath.Join(worktree, ".mcp.json"))
	assert.FileExists(t, filepath.Join(worktree, ".gitignore"))

	again, err := svc.CreateSession(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Reused)
}

func TestCreateSession_InvalidWorktreePath(t *testing.T) {
	svc, workspaceID := setupService(t)
	ctx := context.Background()

	task := &models.Task{ID: idgen.New(), Title: "Task"}
	req := Request{Task: task, WorkspaceID: workspaceID, WorktreePath: "/tmp/wrong", ExpectedWorktree: "/tmp/expected"}

	_, err := svc.CreateSession(ctx, req)
	require.Error(t, err)
	var coreErr *kerrors.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, kerrors.CodeInvalidWorktreePath, coreErr.Code)
	assert.Equal(t, "sessions_exists", coreErr.NextTool)
}

func TestKillSession(t *testing.T) {
	svc, workspaceID := setupService(t)
	ctx := context.Background()
	worktree := t.TempDir()

	task := &models.Task{ID: idgen.New(), Title: "Task"}
	result, err := svc.CreateSession(ctx, Request{Task: task, WorkspaceID: workspaceID, WorktreePath: worktree})
	require.NoError(t, err)
	_ = result

	session, err := svc.sessions.GetActiveForWorkspace(ctx, workspaceID)
	require.NoError(t, err)

	require.NoError(t, svc.KillSession(ctx, session.ID, task.ID))

	exists, err := svc.SessionExists(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	closed, err := svc.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, closed.Status)
}
