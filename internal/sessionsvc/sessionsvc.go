// Package sessionsvc implements C7: creating and attaching the PAIR-mode
// "work surface" for a task, grounded on the original's
// kagan.services.sessions.SessionServiceImpl. AUTO mode is explicitly out
// of scope here — the Automation Service (C9) owns that lifecycle.
package sessionsvc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kagan-sh/kagan-core/internal/config"
	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/internal/kerrors"
	"github.com/kagan-sh/kagan-core/internal/logging"
	"github.com/kagan-sh/kagan-core/internal/procrunner"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

const tmuxExecutable = "tmux"

// Service drives tmux/vscode/cursor PAIR-mode backends, mirroring
// SessionServiceImpl's tmux session management plus spec §4.5's
// vscode/cursor startup-bundle extension.
type Service struct {
	sessions *repositories.SessionRepo
	cfg      *config.Config

	mu       sync.Mutex
	watchers map[string]func()
}

func New(repos *repositories.Repositories, cfg *config.Config) *Service {
	return &Service{sessions: repos.Sessions, cfg: cfg, watchers: map[string]func(){}}
}

// Request is one CreateSession call's input.
type Request struct {
	Task             *models.Task
	WorkspaceID      string
	WorktreePath     string
	ExpectedWorktree string // the workspace's own worktree path, for InvalidWorktreePathError
	ReuseIfExists    bool
}

// Result is the outcome of a successful CreateSession call.
type Result struct {
	SessionName string
	Backend     config.PairTerminalBackend
	Reused      bool
}

// resolveBackend implements the task → config → platform-default chain
// spec §4.5 describes.
func (s *Service) resolveBackend(task *models.Task) config.PairTerminalBackend {
	if task.TerminalBackend != nil {
		return config.PairTerminalBackend(*task.TerminalBackend)
	}
	if s.cfg.DefaultPairTerminalBackend != "" {
		return s.cfg.DefaultPairTerminalBackend
	}
	if runtime.GOOS == "windows" {
		return config.BackendVSCode
	}
	return config.BackendTmux
}

func sessionName(taskID string) string { return "kagan-" + taskID }

// CreateSession provisions the PAIR-mode work surface for a task: a tmux
// session with the agent's interactive CLI auto-launched, or a startup
// bundle plus external editor spawn for vscode/cursor.
func (s *Service) CreateSession(ctx context.Context, req Request) (*Result, error) {
	if req.ExpectedWorktree != "" && req.WorktreePath != req.ExpectedWorktree {
		return nil, kerrors.New(kerrors.CodeInvalidWorktreePath,
			fmt.Sprintf("worktree path %q does not match expected workspace location %q", req.WorktreePath, req.ExpectedWorktree)).
			WithNextTool("sessions_exists").
			WithDetails(map[string]any{"expected": req.ExpectedWorktree, "actual": req.WorktreePath})
	}

	backend := s.resolveBackend(req.Task)
	name := sessionName(req.Task.ID)

	if req.ReuseIfExists {
		exists, err := s.backendExists(ctx, backend, req.Task.ID, req.WorktreePath)
		if err != nil {
			return nil, err
		}
		if exists {
			return &Result{SessionName: name, Backend: backend, Reused: true}, nil
		}
	}

	switch backend {
	case config.BackendVSCode, config.BackendCursor:
		if err := s.createEditorSession(ctx, req.Task, req.WorktreePath, backend); err != nil {
			return nil, kerrors.Wrap(kerrors.CodeSessionCreateFailed, "editor session launch failed", err)
		}
	default:
		if err := s.createTmuxSession(ctx, req.Task, req.WorktreePath, name); err != nil {
			return nil, kerrors.Wrap(kerrors.CodeSessionCreateFailed, "tmux session creation failed", err)
		}
	}

	_, err := s.sessions.GetActiveForWorkspace(ctx, req.WorkspaceID)
	switch {
	case err == nil:
		// Already have an active session record for this workspace.
	case errors.Is(err, sql.ErrNoRows):
		record := &models.Session{
			ID:          idgen.New(),
			WorkspaceID: req.WorkspaceID,
			SessionType: backendSessionType(backend),
			Status:      models.SessionActive,
			ExternalID:  &name,
		}
		if err := s.sessions.Create(ctx, record); err != nil {
			return nil, err
		}
		if backend == config.BackendVSCode || backend == config.BackendCursor {
			s.watchSessionFile(record.ID, req.WorktreePath)
		}
	default:
		return nil, err
	}

	return &Result{SessionName: name, Backend: backend}, nil
}

func backendSessionType(backend config.PairTerminalBackend) models.SessionType {
	if backend == config.BackendTmux {
		return models.SessionTMUX
	}
	return models.SessionScript
}

func (s *Service) backendExists(ctx context.Context, backend config.PairTerminalBackend, taskID, worktreePath string) (bool, error) {
	if backend == config.BackendTmux {
		return s.tmuxSessionExists(ctx, sessionName(taskID))
	}
	_, err := os.Stat(filepath.Join(worktreePath, ".kagan", "session.json"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *Service) tmuxSessionExists(ctx context.Context, name string) (bool, error) {
	result, err := procrunner.RunExecCapture(ctx, tmuxExecutable, []string{"list-sessions", "-F", "#{session_name}"}, "", nil, 5*time.Second, procrunner.DefaultRetryPolicy())
	if err != nil {
		// No tmux server running means no sessions exist, matching
		// SessionServiceImpl.session_exists's TmuxError-as-false handling.
		return false, nil
	}
	for _, line := range strings.Split(string(result.Stdout), "\n") {
		if line == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) runTmux(ctx context.Context, args ...string) error {
	_, err := procrunner.RunExecChecked(ctx, tmuxExecutable, args, "", nil, 10*time.Second, procrunner.DefaultRetryPolicy())
	return err
}

func (s *Service) createTmuxSession(ctx context.Context, task *models.Task, worktreePath, name string) error {
	if err := s.runTmux(ctx, "new-session", "-d", "-s", name, "-c", worktreePath,
		"-e", "KAGAN_TASK_ID="+task.ID,
		"-e", "KAGAN_TASK_TITLE="+task.Title,
		"-e", "KAGAN_WORKTREE_PATH="+worktreePath,
	); err != nil {
		return err
	}

	agent := s.agentShortName(task)
	mcpFile, err := writeMCPConfig(worktreePath, agent)
	if err != nil {
		return err
	}
	if err := ensureGitignored(worktreePath, mcpFile); err != nil {
		return err
	}

	prompt := buildStartupPrompt(task)
	launchCmd := buildLaunchCommand(agent, prompt, s.cfg.DefaultModelByAgent[agent], mcpFile)
	if launchCmd == "" {
		return nil
	}
	return s.runTmux(ctx, "send-keys", "-t", name, launchCmd, "Enter")
}

func (s *Service) createEditorSession(ctx context.Context, task *models.Task, worktreePath string, backend config.PairTerminalBackend) error {
	kaganDir := filepath.Join(worktreePath, ".kagan")
	if err := os.MkdirAll(kaganDir, 0o755); err != nil {
		return err
	}

	agent := s.agentShortName(task)
	mcpFile, err := writeMCPConfig(worktreePath, agent)
	if err != nil {
		return err
	}
	if err := ensureGitignored(worktreePath, mcpFile); err != nil {
		return err
	}

	prompt := buildStartupPrompt(task)
	promptFile := "start_prompt.md"
	if err := os.WriteFile(filepath.Join(kaganDir, promptFile), []byte(prompt), 0o644); err != nil {
		return err
	}

	name := sessionName(task.ID)
	bundle := map[string]string{
		"task_id":      task.ID,
		"session_name": name,
		"backend":      string(backend),
		"worktree":     worktreePath,
		"prompt_file":  promptFile,
	}
	bundleJSON, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(kaganDir, "session.json"), bundleJSON, 0o644); err != nil {
		return err
	}

	launcher := "code"
	if backend == config.BackendCursor {
		launcher = "cursor"
	}
	_, err = procrunner.SpawnDetached([]string{launcher, "--new-window", worktreePath, filepath.Join(kaganDir, promptFile)}, worktreePath, nil)
	return err
}

func (s *Service) agentShortName(task *models.Task) string {
	if task.AgentBackend != nil && *task.AgentBackend != "" {
		return *task.AgentBackend
	}
	return s.cfg.DefaultWorkerAgent
}

// AttachSession attaches the caller's terminal to an existing tmux
// session, blocking until the user detaches. Only meaningful for the
// tmux backend; vscode/cursor sessions are attached by opening the
// editor window directly.
func (s *Service) AttachSession(ctx context.Context, taskID string) (bool, error) {
	err := s.runTmux(ctx, "attach-session", "-t", sessionName(taskID))
	return err == nil, err
}

// SessionExists reports whether a PAIR-mode tmux session is live for a task.
func (s *Service) SessionExists(ctx context.Context, taskID string) (bool, error) {
	return s.tmuxSessionExists(ctx, sessionName(taskID))
}

// KillSession terminates the tmux session (if any) and closes the
// session record, mirroring kill_session's suppress-then-mark-inactive
// behavior.
func (s *Service) KillSession(ctx context.Context, sessionID, taskID string) error {
	_ = s.runTmux(ctx, "kill-session", "-t", sessionName(taskID))
	s.stopWatch(sessionID)
	return s.sessions.Close(ctx, sessionID, models.SessionClosed)
}

// watchSessionFile watches <worktreePath>/.kagan/session.json for
// removal — the signal a vscode/cursor session's bundle directory was
// cleaned up externally (e.g. the user closed the editor window and
// deleted the worktree by hand) — and reconciles the Session record to
// CLOSED without the caller having to poll. Runs until stopWatch(id) or
// the watched file itself is removed.
func (s *Service) watchSessionFile(sessionID, worktreePath string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Error("sessionsvc: failed to start session file watcher: %v", err)
		return
	}
	kaganDir := filepath.Join(worktreePath, ".kagan")
	if err := watcher.Add(kaganDir); err != nil {
		logging.Error("sessionsvc: failed to watch %s: %v", kaganDir, err)
		_ = watcher.Close()
		return
	}

	sessionFile := filepath.Join(kaganDir, "session.json")
	done := make(chan struct{})
	stop := sync.OnceFunc(func() {
		_ = watcher.Close()
		close(done)
	})

	s.mu.Lock()
	s.watchers[sessionID] = stop
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.watchers, sessionID)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name == sessionFile && (event.Op&fsnotify.Remove != 0 || event.Op&fsnotify.Rename != 0) {
					if err := s.sessions.Close(context.Background(), sessionID, models.SessionClosed); err != nil {
						logging.Error("sessionsvc: failed to reconcile session %s to closed: %v", sessionID, err)
					}
					stop()
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Error("sessionsvc: session file watcher error: %v", err)
			}
		}
	}()
}

// stopWatch tears down a session file watcher started by
// watchSessionFile, if one is running for sessionID.
func (s *Service) stopWatch(sessionID string) {
	s.mu.Lock()
	stop := s.watchers[sessionID]
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// buildLaunchCommand renders the agent-specific interactive CLI
// invocation per spec §4.5's prompt-style table.
func buildLaunchCommand(agent, prompt, model, mcpConfigFile string) string {
	quoted := shellQuote(prompt)
	modelFlag := ""
	if model != "" {
		modelFlag = "--model " + model + " "
	}

	switch agent {
	case "claude", "codex", "gemini":
		return fmt.Sprintf("%s %s%s", agent, modelFlag, quoted)
	case "opencode":
		return fmt.Sprintf("%s %s--prompt %s", agent, modelFlag, quoted)
	case "kimi":
		return fmt.Sprintf("%s %s--prompt %s --mcp-config-file %s", agent, modelFlag, quoted, mcpConfigFile)
	case "copilot":
		return agent
	default:
		return agent
	}
}

// shellQuote mirrors shlex.quote for the POSIX shell tmux send-keys runs
// commands through.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func buildStartupPrompt(task *models.Task) string {
	desc := task.Description
	if desc == "" {
		desc = "No description provided."
	}
	return fmt.Sprintf(`Hello! I'm starting a pair programming session for task **%s**.

Act as a Senior Developer collaborating with me on this implementation.

## Task Overview
**Title:** %s

**Description:**
%s

## Important Rules
- You are in a git worktree, NOT the main repository
- Only modify files within this worktree
- **COMMIT all changes before requesting review** (use semantic commits: feat:, fix:, docs:, etc.)
- When complete: commit your work, then call `+"`kagan_request_review`"+` MCP tool

## MCP Tools Available

**Context Tools:**
- `+"`kagan_get_context`"+` - Get full task details (acceptance criteria, scratchpad)
- `+"`kagan_update_scratchpad`"+` - Save progress notes for future reference

**Coordination Tools (USE THESE):**
- `+"`kagan_get_parallel_tasks`"+` - Discover concurrent work to avoid merge conflicts
- `+"`kagan_get_agent_logs`"+` - Get execution logs from any task to learn from prior work

**Completion Tools:**
- `+"`kagan_request_review`"+` - Submit work for review (commit first!)

**Wait for my confirmation before beginning any implementation.**
`, task.ID, task.Title, desc)
}

// builtinMCPFormat mirrors data/builtin_agents.py's mcp_config_format
// lookup: most agents speak the Claude Code .mcp.json shape, opencode
// and gemini have their own config file/shape.
func builtinMCPFormat(agent string) (filename, mcpKey string) {
	switch agent {
	case "opencode":
		return "opencode.json", "mcp"
	case "gemini":
		return filepath.Join(".gemini", "settings.json"), "mcpServers"
	default:
		return ".mcp.json", "mcpServers"
	}
}

// writeMCPConfig writes or merges the agent-specific MCP config entry
// pointing at the core's IPC endpoint, per spec §4.5's startup bundle.
// Returns the filename written, relative to worktreePath.
func writeMCPConfig(worktreePath, agent string) (string, error) {
	filename, mcpKey := builtinMCPFormat(agent)
	configPath := filepath.Join(worktreePath, filename)

	kaganEntry := map[string]any{
		"command": "kagan",
		"args":    []string{"mcp"},
	}

	config := map[string]any{}
	if existing, err := os.ReadFile(configPath); err == nil {
		_ = json.Unmarshal(existing, &config)
	} else if !os.IsNotExist(err) {
		return "", err
	}

	entries, ok := config[mcpKey].(map[string]any)
	if !ok {
		entries = map[string]any{}
	}
	entries["kagan"] = kaganEntry
	config[mcpKey] = entries
	if filename == "opencode.json" {
		config["$schema"] = "https://opencode.ai/config.json"
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return "", err
	}
	body, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(configPath, body, 0o644); err != nil {
		return "", err
	}
	return filename, nil
}

// ensureGitignored appends the MCP config file to the worktree's
// .gitignore if not already present, so generated IPC config never
// lands in a commit.
func ensureGitignored(worktreePath, mcpFile string) error {
	gitignorePath := filepath.Join(worktreePath, ".gitignore")
	existing, err := os.ReadFile(gitignorePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	lines := strings.Split(string(existing), "\n")
	for _, line := range lines {
		if line == mcpFile {
			return nil
		}
	}

	addition := "\n# Kagan MCP config (auto-generated)\n" + mcpFile + "\n"
	content := string(existing)
	if content != "" && !strings.HasSuffix(content, "\n") {
		addition = "\n" + addition
	}
	return os.WriteFile(gitignorePath, []byte(content+addition), 0o644)
}
