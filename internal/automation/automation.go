// Package automation implements C9: supervising AUTO agent processes
// under a concurrency cap, streaming their output into execution
// storage, and syncing task status on completion. No original_source/
// module covers this — the Python automation service
// (kagan.core.services.automation.AutomationServiceImpl) is referenced
// by bootstrap.py but not included in the filtered retrieval pack — so
// this package is built directly from spec §4.7's state machine and
// cancellation/failure semantics, reusing every lower layer
// (procrunner C3, tasksvc C5, workspacesvc C6, eventbus C4, the
// execution repositories C8) the same way a pack-grounded service would.
package automation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kagan-sh/kagan-core/internal/config"
	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/eventbus"
	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/internal/kerrors"
	"github.com/kagan-sh/kagan-core/internal/logging"
	"github.com/kagan-sh/kagan-core/internal/procrunner"
	"github.com/kagan-sh/kagan-core/internal/tasksvc"
	"github.com/kagan-sh/kagan-core/internal/workspacesvc"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

// State is a task worker's position in spec §4.7's supervision state
// machine.
type State string

const (
	StateStarting     State = "STARTING"
	StateRunning       State = "RUNNING"
	StateSucceeded     State = "SUCCEEDED"
	StateFailed        State = "FAILED"
	StateCancelled     State = "CANCELLED"
	StateReviewing     State = "REVIEWING"
	StateReviewDone    State = "REVIEW_DONE"
	StateReviewFailed  State = "REVIEW_FAILED"
)

func (s State) terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateReviewDone, StateReviewFailed:
		return true
	default:
		return false
	}
}

// completeMarker is the agent-emitted terminator spec §4.7's failure
// semantics reference ("Agent emits <complete/> terminator: SUCCEEDED").
const completeMarker = "<complete/>"

// gracePeriod bounds how long StopTask waits after the interrupt signal
// before hard-killing the agent subprocess.
const gracePeriod = 10 * time.Second

// maxLogChunkBytes bounds a single ExecutionProcessLog write, the
// "chunk log lines up to a maximum byte size per DB write" backpressure
// policy spec §4.7 describes.
const maxLogChunkBytes = 8192

// worker tracks one task's in-flight supervision.
type worker struct {
	cancel   context.CancelFunc
	state    State
	doneOnce sync.Once
}

// Service supervises AUTO agent processes, one worker goroutine per
// active task, under a global concurrency cap.
type Service struct {
	tasks      *tasksvc.Service
	workspaces *workspacesvc.Service
	sessions   *repositories.SessionRepo
	executions *repositories.ExecutionRepo
	logs       *repositories.ExecutionLogRepo
	turns      *repositories.CodingAgentTurnRepo
	events     eventbus.Bus
	cfg        *config.Config

	mu      sync.Mutex
	workers map[string]*worker

	scheduler *cron.Cron
}

func New(repos *repositories.Repositories, tasks *tasksvc.Service, workspaces *workspacesvc.Service, events eventbus.Bus, cfg *config.Config) *Service {
	return &Service{
		tasks:      tasks,
		workspaces: workspaces,
		sessions:   repos.Sessions,
		executions: repos.Executions,
		logs:       repos.ExecutionLogs,
		turns:      repos.CodingAgentTurns,
		events:     events,
		cfg:        cfg,
		workers:    map[string]*worker{},
	}
}

// StartScheduler starts a seconds-precision cron tick (grounded on
// internal/services/scheduler.go's cron.New(cron.WithSeconds())) that
// logs supervision load every 30s — the idle-timeout ticker spec §4.7's
// concurrency cap implies a caller would watch, generalized here to a
// lightweight health heartbeat since Kagan's cap itself is enforced
// synchronously in SpawnForTask rather than by a scheduled sweep.
func (s *Service) StartScheduler() {
	if s.scheduler != nil {
		return
	}
	s.scheduler = cron.New(cron.WithSeconds())
	_, err := s.scheduler.AddFunc("*/30 * * * * *", func() {
		logging.Debug("automation: %d/%d tasks under supervision", s.ActiveCount(), s.cfg.MaxConcurrentAgents)
	})
	if err != nil {
		logging.Error("automation: failed to schedule heartbeat: %v", err)
		return
	}
	s.scheduler.Start()
}

// StopScheduler stops the heartbeat cron, if started.
func (s *Service) StopScheduler() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// ActiveCount returns the number of tasks currently under supervision.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// State returns the current supervision state for a task, if any.
func (s *Service) State(taskID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[taskID]
	if !ok {
		return "", false
	}
	return w.state, true
}

// SpawnForTask claims a concurrency slot and starts a worker for task,
// running the agent inside workspacePath. It either starts immediately
// or returns a CodeAutomationAtCapacity error — per spec §4.7 the
// service does not maintain its own pending queue; the caller (the Job
// Service, C11) owns queuing.
func (s *Service) SpawnForTask(task *models.Task, workspacePath string) error {
	s.mu.Lock()
	if _, exists := s.workers[task.ID]; exists {
		s.mu.Unlock()
		return kerrors.New(kerrors.CodeAutomationAlreadyRunning, fmt.Sprintf("task %s already has an automation worker", task.ID))
	}
	if len(s.workers) >= s.cfg.MaxConcurrentAgents {
		s.mu.Unlock()
		return kerrors.New(kerrors.CodeAutomationAtCapacity, "automation service is at max_concurrent_agents capacity")
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, state: StateStarting}
	s.workers[task.ID] = w
	s.mu.Unlock()

	go s.run(ctx, w, task, workspacePath)
	return nil
}

// StopTask signals the worker's context; the worker itself performs the
// interrupt/grace/hard-kill sequence and writes the terminal state.
// A task with no active worker is a no-op (idempotent stop).
func (s *Service) StopTask(taskID string) {
	s.mu.Lock()
	w, ok := s.workers[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
}

func (s *Service) setState(w *worker, taskID string, state State) {
	s.mu.Lock()
	w.state = state
	s.mu.Unlock()
	logging.Debug("automation: task %s -> %s", taskID, state)
}

// release removes the worker from the active map, freeing its
// concurrency slot. It runs from run's deferred cleanup (StopTask only
// cancels the worker's context), and doneOnce makes any repeated call a
// no-op.
func (s *Service) release(w *worker, taskID string) {
	w.doneOnce.Do(func() {
		s.mu.Lock()
		delete(s.workers, taskID)
		s.mu.Unlock()
	})
}

func (s *Service) run(ctx context.Context, w *worker, task *models.Task, workspacePath string) {
	defer s.release(w, task.ID)

	ws, err := s.workspaces.GetForTask(context.Background(), task.ID)
	if err != nil {
		logging.Error("automation: task %s: resolve workspace: %v", task.ID, err)
		return
	}
	if ws == nil {
		logging.Error("automation: task %s: no provisioned workspace, refusing to spawn", task.ID)
		return
	}
	session := &models.Session{
		ID:          idgen.New(),
		WorkspaceID: ws.ID,
		SessionType: models.SessionScript,
		Status:      models.SessionActive,
	}
	if err := s.sessions.Create(context.Background(), session); err != nil {
		logging.Error("automation: task %s: create session record: %v", task.ID, err)
		return
	}
	defer func() { _ = s.sessions.Close(context.Background(), session.ID, models.SessionClosed) }()

	agent := defaultString(task.AgentBackend, s.cfg.DefaultWorkerAgent)
	prompt := buildAutomationPrompt(task)
	success, execID := s.runAgentAndRecord(ctx, w, task, session.ID, workspacePath, agent, prompt, false)

	if !success {
		return
	}

	updated, err := s.tasks.SyncStatusFromAgentComplete(context.Background(), task.ID, true)
	if err != nil {
		logging.Error("automation: task %s: sync status on success: %v", task.ID, err)
	}

	if !s.cfg.AutoReview {
		s.setState(w, task.ID, StateSucceeded)
		return
	}

	s.setState(w, task.ID, StateReviewing)
	s.events.Publish(eventbus.AutomationReviewAgentAttached{TaskID: task.ID, ExecutionProcessID: execID, OccurredAt: time.Now().UTC()})

	reviewPrompt := buildReviewPrompt(task, updated)
	reviewSuccess, _ := s.runAgentAndRecord(ctx, w, task, session.ID, workspacePath, agent, reviewPrompt, true)

	if reviewSuccess {
		if _, err := s.tasks.SyncStatusFromReviewPass(context.Background(), task.ID); err != nil {
			logging.Error("automation: task %s: sync review pass: %v", task.ID, err)
		}
		s.setState(w, task.ID, StateReviewDone)
	} else {
		if _, err := s.tasks.SyncStatusFromReviewReject(context.Background(), task.ID, "automated review did not confirm completion"); err != nil {
			logging.Error("automation: task %s: sync review reject: %v", task.ID, err)
		}
		s.setState(w, task.ID, StateReviewFailed)
	}
}

// runAgentAndRecord spawns one agent subprocess (primary or review),
// streams its output into execution storage, and returns whether it
// completed successfully along with the execution row's id.
func (s *Service) runAgentAndRecord(ctx context.Context, w *worker, task *models.Task, sessionID, workspacePath, agent, prompt string, isReview bool) (bool, string) {
	exec := &models.ExecutionProcess{
		ID:        idgen.New(),
		SessionID: sessionID,
		RunReason: runReason(isReview),
		Status:    models.ExecRunning,
	}
	if err := s.executions.Create(context.Background(), exec); err != nil {
		logging.Error("automation: task %s: create execution row: %v", task.ID, err)
		return false, ""
	}

	if !isReview {
		s.setState(w, task.ID, StateStarting)
		s.events.Publish(eventbus.AutomationTaskStarted{TaskID: task.ID, ExecutionProcessID: exec.ID, OccurredAt: time.Now().UTC()})
	}

	args := buildAutomationArgs(agent, prompt, s.cfg.DefaultModelByAgent[agent])
	events, result, err := procrunner.RunStreaming(ctx, agent, args, workspacePath, nil, gracePeriod)
	if err != nil {
		s.finish(task.ID, exec.ID, models.ExecFailed, nil, strPtr(err.Error()))
		s.setState(w, task.ID, StateFailed)
		s.events.Publish(eventbus.AutomationTaskEnded{TaskID: task.ID, ExecutionProcessID: exec.ID, Success: false, OccurredAt: time.Now().UTC()})
		return false, exec.ID
	}

	s.setState(w, task.ID, StateRunning)
	s.events.Publish(eventbus.AutomationAgentAttached{TaskID: task.ID, ExecutionProcessID: exec.ID, AgentBackend: agent, OccurredAt: time.Now().UTC()})

	sawComplete, lastLine := s.consumeEvents(exec.ID, events)
	res := <-result

	select {
	case <-ctx.Done():
		s.finish(task.ID, exec.ID, models.ExecCancelled, &res.ExitCode, nil)
		s.setState(w, task.ID, StateCancelled)
		s.events.Publish(eventbus.AutomationTaskEnded{TaskID: task.ID, ExecutionProcessID: exec.ID, Success: false, OccurredAt: time.Now().UTC()})
		return false, exec.ID
	default:
	}

	if res.Err != nil || res.ExitCode != 0 {
		errMsg := lastLine
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		s.finish(task.ID, exec.ID, models.ExecFailed, &res.ExitCode, strPtr(errMsg))
		s.setState(w, task.ID, StateFailed)
		s.events.Publish(eventbus.AutomationTaskEnded{TaskID: task.ID, ExecutionProcessID: exec.ID, Success: false, OccurredAt: time.Now().UTC()})
		return false, exec.ID
	}

	s.finish(task.ID, exec.ID, models.ExecSucceeded, &res.ExitCode, nil)
	if !isReview {
		s.events.Publish(eventbus.AutomationTaskEnded{TaskID: task.ID, ExecutionProcessID: exec.ID, Success: true, OccurredAt: time.Now().UTC()})
	}
	_ = sawComplete
	return true, exec.ID
}

func (s *Service) finish(taskID, execID string, status models.ExecutionStatus, exitCode *int, errMsg *string) {
	if err := s.executions.Complete(context.Background(), execID, status, exitCode, errMsg); err != nil {
		logging.Error("automation: task %s: mark execution %s terminal: %v", taskID, execID, err)
	}
}

// consumeEvents drains the agent's output stream into ExecutionProcessLog
// rows, coalescing lines into chunks up to maxLogChunkBytes per write —
// the flow-control policy spec §4.7's "Backpressure" paragraph describes
// — and reports whether the completion terminator was observed plus the
// last stderr line (used as the crash error message, per spec §4.7's
// "error field captures last stderr line").
func (s *Service) consumeEvents(execID string, events <-chan procrunner.StreamEvent) (sawComplete bool, lastLine string) {
	var chunk strings.Builder
	flush := func() {
		if chunk.Len() == 0 {
			return
		}
		if err := s.logs.Append(context.Background(), execID, chunk.String()); err != nil {
			logging.Error("automation: execution %s: append log chunk: %v", execID, err)
		}
		chunk.Reset()
	}

	for ev := range events {
		if ev.Line != "" && ev.Stderr {
			lastLine = ev.Line
		}
		if strings.Contains(ev.Line, completeMarker) {
			sawComplete = true
		}
		chunk.WriteString(ev.Line)
		chunk.WriteByte('\n')
		if chunk.Len() >= maxLogChunkBytes {
			flush()
		}
	}
	flush()
	return sawComplete, lastLine
}

func runReason(isReview bool) string {
	if isReview {
		return "review"
	}
	return "automation"
}

func defaultString(p *string, fallback string) string {
	if p != nil && *p != "" {
		return *p
	}
	return fallback
}

func strPtr(s string) *string { return &s }

// buildAutomationArgs renders the agent-specific non-interactive
// invocation. Unlike the Session Service's tmux send-keys launch (which
// shell-quotes a single command string), this spawns the agent binary
// directly via procrunner — args are passed as a slice, so no shell
// quoting is needed here. Adapted from the same prompt-style table spec
// §4.5 gives for PAIR mode, since the spec does not define a distinct
// AUTO-mode CLI convention.
func buildAutomationArgs(agent, prompt, model string) []string {
	var modelArgs []string
	if model != "" {
		modelArgs = []string{"--model", model}
	}

	switch agent {
	case "opencode":
		return append(append([]string{}, modelArgs...), "--prompt", prompt)
	case "kimi":
		return append(append([]string{}, modelArgs...), "--prompt", prompt, "--mcp-config-file", ".mcp.json")
	case "copilot":
		return nil
	default: // claude, codex, gemini, and any other CLI-compatible agent
		return append(append([]string{}, modelArgs...), prompt)
	}
}

func buildAutomationPrompt(task *models.Task) string {
	desc := task.Description
	if desc == "" {
		desc = "No description provided."
	}
	criteria := "(none specified)"
	if len(task.AcceptanceCriteria) > 0 {
		criteria = "- " + strings.Join(task.AcceptanceCriteria, "\n- ")
	}
	return fmt.Sprintf(`Task **%s**: %s

%s

Acceptance criteria:
%s

Work autonomously in this worktree. Commit your changes with semantic
commit messages. When finished, print %s on its own line.`,
		task.ID, task.Title, desc, criteria, completeMarker)
}

func buildReviewPrompt(task *models.Task, updated *models.Task) string {
	title := task.Title
	if updated != nil {
		title = updated.Title
	}
	return fmt.Sprintf(`Review task **%s** ("%s") as a read-only reviewer: inspect the
diff against the base branch in this worktree and the task's acceptance
criteria. If the implementation satisfies them, print %s on its own
line. Otherwise explain what is missing and do not print the marker.`,
		task.ID, title, completeMarker)
}
