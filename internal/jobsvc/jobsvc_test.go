package jobsvc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan-core/internal/db"
	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

func setup(t *testing.T, executor Executor) (*Service, *repositories.Repositories, string) {
	t.Helper()
	testDB, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })

	repos := repositories.New(testDB)
	svc := New(repos, executor)
	t.Cleanup(svc.Shutdown)

	taskID := idgen.New()
	return svc, repos, taskID
}

func waitForStatus(t *testing.T, svc *Service, jobID string, status models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.Get(context.Background(), jobID)
		require.NoError(t, err)
		if job != nil && job.Status == status {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for job %s to reach %s", jobID, status)
	return nil
}

func TestSubmit_RunsExecutorAndMarksSucceeded(t *testing.T) {
	type call struct {
		action string
		params map[string]any
	}
	var calls []call
	executor := func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		calls = append(calls, call{action, params})
		return map[string]any{"success": true, "message": "done", "code": "OK"}, nil
	}

	svc, _, taskID := setup(t, executor)
	job, err := svc.Submit(context.Background(), taskID, "start_agent", map[string]any{"agent": "claude"})
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)

	final := waitForStatus(t, svc, job.ID, models.JobSucceeded)
	assert.Equal(t, "done", *final.Message)
	require.Len(t, calls, 1)
	assert.Equal(t, "start_agent", calls[0].action)
}

func TestSubmit_ExecutorReturnsFailureMarksFailed(t *testing.T) {
	executor := func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return map[string]any{"success": false, "message": "agent crashed", "code": "AGENT_CRASHED"}, nil
	}

	svc, _, taskID := setup(t, executor)
	job, err := svc.Submit(context.Background(), taskID, "start_agent", nil)
	require.NoError(t, err)

	final := waitForStatus(t, svc, job.ID, models.JobFailed)
	assert.Equal(t, "AGENT_CRASHED", *final.Code)
}

func TestSubmit_ExecutorErrorMarksFailedWithExecutionError(t *testing.T) {
	executor := func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}

	svc, _, taskID := setup(t, executor)
	job, err := svc.Submit(context.Background(), taskID, "start_agent", nil)
	require.NoError(t, err)

	final := waitForStatus(t, svc, job.ID, models.JobFailed)
	assert.Equal(t, "JOB_EXECUTION_ERROR", *final.Code)
	assert.Equal(t, "boom", *final.Message)
}

func TestCancel_WrongTaskIDReturnsNil(t *testing.T) {
	started := make(chan struct{})
	executor := func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	svc, _, taskID := setup(t, executor)
	job, err := svc.Submit(context.Background(), taskID, "start_agent", nil)
	require.NoError(t, err)
	<-started

	got, err := svc.Cancel(context.Background(), job.ID, "someone-elses-task")
	require.NoError(t, err)
	assert.Nil(t, got)

	// cancel for real so Shutdown doesn't hang waiting on the cleanup.
	_, err = svc.Cancel(context.Background(), job.ID, taskID)
	require.NoError(t, err)
}

func TestCancel_StopsRunningJob(t *testing.T) {
	started := make(chan struct{})
	executor := func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	svc, _, taskID := setup(t, executor)
	job, err := svc.Submit(context.Background(), taskID, "start_agent", nil)
	require.NoError(t, err)
	<-started

	cancelled, err := svc.Cancel(context.Background(), job.ID, taskID)
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Equal(t, models.JobCancelled, cancelled.Status)

	// the worker's own completion write must be a no-op against the
	// already-terminal row, so the job stays cancelled (not re-marked failed).
	final := waitForStatus(t, svc, job.ID, models.JobCancelled)
	assert.Equal(t, "JOB_CANCELLED", *final.Code)
}

func TestEvents_OrderedByIndex(t *testing.T) {
	executor := func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return map[string]any{"success": true}, nil
	}

	svc, _, taskID := setup(t, executor)
	job, err := svc.Submit(context.Background(), taskID, "start_agent", nil)
	require.NoError(t, err)
	waitForStatus(t, svc, job.ID, models.JobSucceeded)

	events, err := svc.Events(context.Background(), job.ID, taskID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.JobQueued, events[0].Status)
	assert.Equal(t, models.JobRunning, events[1].Status)
	assert.Equal(t, models.JobSucceeded, events[2].Status)
	assert.Equal(t, 0, events[0].EventIndex)
	assert.Equal(t, 1, events[1].EventIndex)
	assert.Equal(t, 2, events[2].EventIndex)
}

func TestEvents_WrongTaskIDReturnsNil(t *testing.T) {
	executor := func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return map[string]any{"success": true}, nil
	}
	svc, _, taskID := setup(t, executor)
	job, err := svc.Submit(context.Background(), taskID, "start_agent", nil)
	require.NoError(t, err)
	waitForStatus(t, svc, job.ID, models.JobSucceeded)

	events, err := svc.Events(context.Background(), job.ID, "someone-elses-task")
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestWait_BlocksUntilTerminal(t *testing.T) {
	release := make(chan struct{})
	executor := func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		<-release
		return map[string]any{"success": true}, nil
	}

	svc, _, taskID := setup(t, executor)
	job, err := svc.Submit(context.Background(), taskID, "start_agent", nil)
	require.NoError(t, err)

	done := make(chan *models.Job, 1)
	go func() {
		got, err := svc.Wait(context.Background(), job.ID, taskID, nil)
		require.NoError(t, err)
		done <- got
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before the job reached a terminal status")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waited := <-done
	require.NotNil(t, waited)
	assert.Equal(t, models.JobSucceeded, waited.Status)
}

func TestWait_ZeroTimeoutReturnsCurrentStateSynchronously(t *testing.T) {
	release := make(chan struct{})
	executor := func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		<-release
		return map[string]any{"success": true}, nil
	}
	defer close(release)

	svc, _, taskID := setup(t, executor)
	job, err := svc.Submit(context.Background(), taskID, "start_agent", nil)
	require.NoError(t, err)

	timeout := time.Duration(0)
	got, err := svc.Wait(context.Background(), job.ID, taskID, &timeout)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotEqual(t, models.JobSucceeded, got.Status)
}

// TestComplete_ConcurrentTerminalWritesOnlyOneWins is Scenario S2: a
// cancel racing a job's natural completion must leave exactly one
// terminal write committed and exactly one terminal event appended, never
// both (Testable Property #1 — a terminal job's DB state never changes
// again).
func TestComplete_ConcurrentTerminalWritesOnlyOneWins(t *testing.T) {
	testDB, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })
	repos := repositories.New(testDB)

	taskID := idgen.New()
	job, err := repos.Jobs.Create(context.Background(), taskID, "start_agent", nil)
	require.NoError(t, err)
	_, err = repos.Jobs.MarkRunning(context.Background(), job.ID)
	require.NoError(t, err)

	results := make([]*repositories.Transition, 2)
	errs := make([]error, 2)
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		results[0], errs[0] = repos.Jobs.Complete(context.Background(), job.ID, models.JobCancelled, "Job cancelled", "JOB_CANCELLED", map[string]any{"success": false})
	}()
	go func() {
		defer wg.Done()
		<-start
		results[1], errs[1] = repos.Jobs.Complete(context.Background(), job.ID, models.JobSucceeded, "done", "OK", map[string]any{"success": true})
	}()
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])

	transitionedCount := 0
	if results[0].Transitioned {
		transitionedCount++
	}
	if results[1].Transitioned {
		transitionedCount++
	}
	assert.Equal(t, 1, transitionedCount, "exactly one concurrent terminal write must win")

	final, err := repos.Jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, final.Status.Terminal())

	events, err := repos.JobEvents.ListForJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, events, 3, "expected queued, running, and exactly one terminal event")
}

func TestRecoverNonTerminal_OnStartup(t *testing.T) {
	testDB, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })
	repos := repositories.New(testDB)

	taskID := idgen.New()
	stale, err := repos.Jobs.Create(context.Background(), taskID, "start_agent", nil)
	require.NoError(t, err)
	_, err = repos.Jobs.MarkRunning(context.Background(), stale.ID)
	require.NoError(t, err)

	executor := func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return map[string]any{"success": true}, nil
	}
	svc := New(repos, executor)
	t.Cleanup(svc.Shutdown)

	recovered, err := svc.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, models.JobFailed, recovered.Status)
	assert.Equal(t, "JOB_RECOVERED_INTERRUPTED", *recovered.Code)
}
