package tasksvc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan-core/internal/db"
	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/eventbus"
	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

func setupService(t *testing.T) (*Service, *eventbus.InMemoryBus, string) {
	t.Helper()
	testDB, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })

	repos := repositories.New(testDB)
	bus := eventbus.NewInMemoryBus()
	svc := New(repos, bus)

	projectID := idgen.New()
	require.NoError(t, repos.Projects.Create(context.Background(), &models.Project{ID: projectID, Name: "p1"}))

	return svc, bus, projectID
}

func TestCreateTask_PublishesCreatedEvent(t *testing.T) {
	svc, bus, projectID := setupService(t)
	ctx := context.Background()

	var captured eventbus.DomainEvent
	bus.AddHandler(func(e eventbus.DomainEvent) { captured = e }, eventbus.TaskCreated{})

	task, err := svc.CreateTask(ctx, projectID, "Title", "Description")
	require.NoError(t, err)
	assert.Equal(t, models.TaskBacklog, task.Status)

	created, ok := captured.(eventbus.TaskCreated)
	require.True(t, ok)
	assert.Equal(t, task.ID, created.TaskID)
}

func TestCreateTask_RequiresProjectID(t *testing.T) {
	svc, _, _ := setupService(t)
	_, err := svc.CreateTask(context.Background(), "", "Title", "Description")
	assert.Error(t, err)
}

func TestCreateTask_SyncsMentionLinks(t *testing.T) {
	svc, _, projectID := setupService(t)
	ctx := context.Background()

	target, err := svc.CreateTask(ctx, projectID, "Target", "")
	require.NoError(t, err)

	source, err := svc.CreateTask(ctx, projectID, "Source", "See @"+target.ID+" for context")
	require.NoError(t, err)

	links, err := svc.GetTaskLinks(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{target.ID}, links)
}

func TestSyncStatusFromAgentComplete(t *testing.T) {
	svc, _, projectID := setupService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, projectID, "Title", "")
	require.NoError(t, err)

	_, err = svc.SetStatus(ctx, task.ID, models.TaskInProgress, "")
	require.NoError(t, err)

	updated, err := svc.SyncStatusFromAgentComplete(ctx, task.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.TaskReview, updated.Status)

	// Calling again with success is a no-op: status is no longer IN_PROGRESS.
	again, err := svc.SyncStatusFromAgentComplete(ctx, task.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.TaskReview, again.Status)
}

func TestSyncStatusFromAgentComplete_FailureDoesNotAdvance(t *testing.T) {
	svc, _, projectID := setupService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, projectID, "Title", "")
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, task.ID, models.TaskInProgress, "")
	require.NoError(t, err)

	updated, err := svc.SyncStatusFromAgentComplete(ctx, task.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, updated.Status)
}

func TestSyncStatusFromReviewPassAndReject(t *testing.T) {
	svc, _, projectID := setupService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, projectID, "Title", "")
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, task.ID, models.TaskReview, "")
	require.NoError(t, err)

	rejected, err := svc.SyncStatusFromReviewReject(ctx, task.ID, "needs work")
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, rejected.Status)

	_, err = svc.SetStatus(ctx, task.ID, models.TaskReview, "")
	require.NoError(t, err)
	passed, err := svc.SyncStatusFromReviewPass(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDone, passed.Status)
}

func TestUpdateFields_EmitsStatusChangedOnlyOnActualChange(t *testing.T) {
	svc, bus, projectID := setupService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, projectID, "Title", "")
	require.NoError(t, err)

	var statusChanges int
	bus.AddHandler(func(e eventbus.DomainEvent) { statusChanges++ }, eventbus.TaskStatusChanged{})

	sameStatus := task.Status
	_, err = svc.UpdateFields(ctx, task.ID, FieldUpdate{Status: &sameStatus})
	require.NoError(t, err)
	assert.Equal(t, 0, statusChanges)

	newStatus := models.TaskInProgress
	_, err = svc.UpdateFields(ctx, task.ID, FieldUpdate{Status: &newStatus})
	require.NoError(t, err)
	assert.Equal(t, 1, statusChanges)
}

func TestDeleteTask(t *testing.T) {
	svc, _, projectID := setupService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, projectID, "Title", "")
	require.NoError(t, err)

	ok, err := svc.DeleteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err = svc.DeleteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScratchpad(t *testing.T) {
	svc, _, projectID := setupService(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, projectID, "Title", "")
	require.NoError(t, err)

	content, err := svc.GetScratchpad(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "", content)

	require.NoError(t, svc.UpdateScratchpad(ctx, task.ID, "notes"))
	content, err = svc.GetScratchpad(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "notes", content)
}

func TestSessionRecordLifecycle(t *testing.T) {
	svc, _, projectID := setupService(t)
	ctx := context.Background()
	_ = projectID

	session, err := svc.CreateSessionRecord(ctx, "ws1", models.SessionTMUX, nil)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, session.Status)

	closed, err := svc.CloseSessionRecord(ctx, session.ID, models.SessionClosed)
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, closed.Status)
}
