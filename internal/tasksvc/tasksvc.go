// Package tasksvc implements C5: canonical CRUD on tasks, the status
// state machine, @-mention task-link synchronization, scratchpad access,
// and session-record bookkeeping, grounded on
// original_source/src/kagan/core/services/tasks.py's TaskServiceImpl.
package tasksvc

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"time"

	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/eventbus"
	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/internal/kerrors"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

// taskMentionRe mirrors _TASK_MENTION_RE = re.compile(r"@([A-Za-z0-9]{8})")
// from the original — task IDs are 8-char opaque hex identifiers (idgen.New).
var taskMentionRe = regexp.MustCompile(`@([A-Za-z0-9]{8})`)

func extractTaskMentions(description string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, m := range taskMentionRe.FindAllStringSubmatch(description, -1) {
		out[m[1]] = struct{}{}
	}
	return out
}

// Service is the Task Service: canonical CRUD, status transitions, link
// sync, scratchpad, and session-record delegation.
type Service struct {
	tasks     *repositories.TaskRepo
	taskLinks *repositories.TaskLinkRepo
	sessions  *repositories.SessionRepo
	scratch   *repositories.ScratchRepo
	events    eventbus.Bus
}

// New wires a Task Service against the repository layer (C1) and event
// bus (C4).
func New(repos *repositories.Repositories, events eventbus.Bus) *Service {
	return &Service{
		tasks:     repos.Tasks,
		taskLinks: repos.TaskLinks,
		sessions:  repos.Sessions,
		scratch:   repos.Scratch,
		events:    events,
	}
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, sql.ErrNoRows)
}

// CreateTask inserts a task, publishes TaskCreated, and syncs its outgoing
// @-mention links, mirroring TaskServiceImpl.create_task.
func (s *Service) CreateTask(ctx context.Context, projectID, title, description string) (*models.Task, error) {
	if projectID == "" {
		return nil, kerrors.New(kerrors.CodeInvalidArgument, "project id is required to create a task")
	}

	task := &models.Task{
		ID:                 idgen.New(),
		ProjectID:          projectID,
		Title:              title,
		Description:        description,
		Status:             models.TaskBacklog,
		Priority:           models.PriorityMedium,
		TaskType:           models.TaskTypePair,
		AcceptanceCriteria: []string{},
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	s.events.Publish(eventbus.TaskCreated{TaskID: task.ID, ProjectID: task.ProjectID, OccurredAt: task.CreatedAt})
	if err := s.syncTaskLinks(ctx, task.ID, task.ProjectID, task.Description); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask returns nil (not an error) when the task does not exist, matching
// the original's `Task | None` return contract.
func (s *Service) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if isNotFound(err) {
		return nil, nil
	}
	return task, err
}

// ListTasks lists tasks, optionally filtered by project and/or status.
func (s *Service) ListTasks(ctx context.Context, projectID *string, status *models.TaskStatus) ([]*models.Task, error) {
	if status != nil {
		return s.tasks.ListByStatus(ctx, *status, projectID)
	}
	if projectID != nil {
		return s.tasks.ListForProject(ctx, *projectID)
	}
	return s.tasks.ListAll(ctx)
}

// GetByStatus lists every task in a status across all projects.
func (s *Service) GetByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	return s.tasks.ListByStatus(ctx, status, nil)
}

// Search performs a substring match over title/description.
func (s *Service) Search(ctx context.Context, query string) ([]*models.Task, error) {
	return s.tasks.Search(ctx, query)
}

// DeleteTask removes a task and publishes TaskDeleted if it existed.
func (s *Service) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.tasks.Delete(ctx, taskID); err != nil {
		return false, err
	}
	s.events.Publish(eventbus.TaskDeleted{TaskID: taskID, ProjectID: task.ProjectID, OccurredAt: time.Now().UTC()})
	return true, nil
}

// FieldUpdate carries the optional fields UpdateFields may mutate; nil
// fields are left unchanged, mirroring **kwargs in update_fields.
type FieldUpdate struct {
	Title              *string
	Description        *string
	Priority           *models.TaskPriority
	TaskType           *models.TaskType
	AgentBackend       *string
	AcceptanceCriteria []string
	Status             *models.TaskStatus
}

// UpdateTask is a thin alias over UpdateFields, mirroring update_task's
// pass-through to update_fields in the original.
func (s *Service) UpdateTask(ctx context.Context, taskID string, fields FieldUpdate) (*models.Task, error) {
	return s.UpdateFields(ctx, taskID, fields)
}

// UpdateFields applies the non-nil fields, persists, and publishes
// TaskUpdated (with the list of changed fields) plus TaskStatusChanged iff
// the status field was provided AND actually changed value — per spec's
// Corrections section, equal-status updates must not emit that event.
func (s *Service) UpdateFields(ctx context.Context, taskID string, fields FieldUpdate) (*models.Task, error) {
	current, err := s.tasks.Get(ctx, taskID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var changed []string
	oldStatus := current.Status
	updated := *current

	if fields.Title != nil {
		updated.Title = *fields.Title
		changed = append(changed, "title")
	}
	if fields.Description != nil {
		updated.Description = *fields.Description
		changed = append(changed, "description")
	}
	if fields.Priority != nil {
		updated.Priority = *fields.Priority
		changed = append(changed, "priority")
	}
	if fields.TaskType != nil {
		updated.TaskType = *fields.TaskType
		changed = append(changed, "task_type")
	}
	if fields.AgentBackend != nil {
		updated.AgentBackend = fields.AgentBackend
		changed = append(changed, "agent_backend")
	}
	if fields.AcceptanceCriteria != nil {
		updated.AcceptanceCriteria = fields.AcceptanceCriteria
		changed = append(changed, "acceptance_criteria")
	}
	if fields.Status != nil {
		updated.Status = *fields.Status
		changed = append(changed, "status")
	}

	if len(changed) == 0 {
		return current, nil
	}

	if err := s.tasks.Update(ctx, &updated); err != nil {
		return nil, err
	}

	s.events.Publish(eventbus.TaskUpdated{TaskID: taskID, Fields: changed, OccurredAt: updated.UpdatedAt})

	if fields.Status != nil && oldStatus != updated.Status {
		s.events.Publish(eventbus.TaskStatusChanged{
			TaskID:     taskID,
			OldStatus:  string(oldStatus),
			NewStatus:  string(updated.Status),
			OccurredAt: updated.UpdatedAt,
		})
	}

	if fields.Description != nil {
		if err := s.syncTaskLinks(ctx, updated.ID, updated.ProjectID, updated.Description); err != nil {
			return nil, err
		}
	}

	return &updated, nil
}

// SetStatus transitions a task to toStatus unconditionally and publishes
// TaskUpdated(fields=["status"]), plus TaskStatusChanged only when the
// status value actually changes (see UpdateFields), mirroring set_status.
// reason is not recorded.
func (s *Service) SetStatus(ctx context.Context, taskID string, toStatus models.TaskStatus, reason string) (*models.Task, error) {
	return s.UpdateFields(ctx, taskID, FieldUpdate{Status: &toStatus})
}

// Move is an alias for SetStatus, mirroring the original's move() method.
func (s *Service) Move(ctx context.Context, taskID string, newStatus models.TaskStatus) (*models.Task, error) {
	return s.SetStatus(ctx, taskID, newStatus, "")
}

// SyncStatusFromAgentComplete applies the deterministic
// IN_PROGRESS --success--> REVIEW transition; any other status or a failed
// run is a no-op that returns the task unchanged (spec §5).
func (s *Service) SyncStatusFromAgentComplete(ctx context.Context, taskID string, success bool) (*models.Task, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskInProgress && success {
		return s.SetStatus(ctx, taskID, models.TaskReview, "agent_complete")
	}
	return task, nil
}

// SyncStatusFromReviewPass applies REVIEW -> DONE; any other status is a
// no-op.
func (s *Service) SyncStatusFromReviewPass(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskReview {
		return s.SetStatus(ctx, taskID, models.TaskDone, "review_passed")
	}
	return task, nil
}

// SyncStatusFromReviewReject applies REVIEW -> IN_PROGRESS; any other
// status is a no-op.
func (s *Service) SyncStatusFromReviewReject(ctx context.Context, taskID, reason string) (*models.Task, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskReview {
		return s.SetStatus(ctx, taskID, models.TaskInProgress, reason)
	}
	return task, nil
}

// GetTaskLinks returns the outgoing @-mention link targets for a task.
func (s *Service) GetTaskLinks(ctx context.Context, taskID string) ([]string, error) {
	return s.taskLinks.ListOutgoing(ctx, taskID)
}

// GetScratchpad returns the free-form scratchpad content for a task, or
// "" if none has been written yet.
func (s *Service) GetScratchpad(ctx context.Context, taskID string) (string, error) {
	row, err := s.scratch.Get(ctx, models.ScratchTaskPad, taskID)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", nil
	}
	content, _ := row.Payload["content"].(string)
	return content, nil
}

// UpdateScratchpad overwrites a task's scratchpad content.
func (s *Service) UpdateScratchpad(ctx context.Context, taskID, content string) error {
	_, err := s.scratch.Upsert(ctx, models.ScratchTaskPad, taskID, map[string]any{"content": content})
	return err
}

// CreateSessionRecord delegates to the Session repository, mirroring
// TaskServiceImpl.create_session_record.
func (s *Service) CreateSessionRecord(ctx context.Context, workspaceID string, sessionType models.SessionType, externalID *string) (*models.Session, error) {
	session := &models.Session{
		ID:          idgen.New(),
		WorkspaceID: workspaceID,
		SessionType: sessionType,
		Status:      models.SessionActive,
		ExternalID:  externalID,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// CloseSessionRecord marks a session record closed (or the given terminal
// status) by ID.
func (s *Service) CloseSessionRecord(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error) {
	if err := s.sessions.Close(ctx, sessionID, status); err != nil {
		return nil, err
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if isNotFound(err) {
		return nil, nil
	}
	return session, err
}

// CloseSessionByExternalID resolves a session by its terminal-backend
// external ID (e.g. tmux pane id) and closes it.
func (s *Service) CloseSessionByExternalID(ctx context.Context, externalID string, status models.SessionStatus) (*models.Session, error) {
	session, err := s.sessions.GetByExternalID(ctx, externalID)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.CloseSessionRecord(ctx, session.ID, status)
}

// syncTaskLinks re-extracts @-mentions from description and replaces the
// task's outgoing link set, mirroring _sync_task_links.
func (s *Service) syncTaskLinks(ctx context.Context, taskID, projectID, description string) error {
	mentions := extractTaskMentions(description)
	if len(mentions) == 0 {
		return s.taskLinks.ReplaceAll(ctx, taskID, nil)
	}

	ids := make([]string, 0, len(mentions))
	for id := range mentions {
		ids = append(ids, id)
	}
	candidates, err := s.tasks.GetByIDs(ctx, ids, projectID)
	if err != nil {
		return err
	}

	valid := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != taskID {
			valid = append(valid, c.ID)
		}
	}
	return s.taskLinks.ReplaceAll(ctx, taskID, valid)
}
