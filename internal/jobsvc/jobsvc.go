// Package jobsvc implements C11: a durable, crash-safe, cancellable job
// queue with an append-only per-job event stream. Jobs are generic —
// the caller supplies an Executor that dispatches on action (e.g.
// "start_agent" or "merge_task", routed to automation.Service or
// mergesvc.Service by whatever wires this package into cmd/kagand)
// and the service only owns persistence, in-process worker lifecycle,
// and task-id-scoped authorization.
package jobsvc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/logging"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

// Executor runs one job attempt. Its returned map is the job's result
// payload and must carry a "success" bool; a non-nil error is treated
// the same as {"success": false} with code JOB_EXECUTION_ERROR.
type Executor func(ctx context.Context, action string, params map[string]any) (map[string]any, error)

type worker struct {
	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}
}

// Service is the in-process half of the job queue: JobRepo/JobEventRepo/
// JobAttemptRepo (C1) hold the durable state, Service holds the running
// goroutines and their cancellation/completion signaling.
type Service struct {
	jobs     *repositories.JobRepo
	events   *repositories.JobEventRepo
	attempts *repositories.JobAttemptRepo
	executor Executor

	mu      sync.Mutex
	workers map[string]*worker

	recoverOnce sync.Once
}

func New(repos *repositories.Repositories, executor Executor) *Service {
	return &Service{
		jobs:     repos.Jobs,
		events:   repos.JobEvents,
		attempts: repos.JobAttempts,
		executor: executor,
		workers:  make(map[string]*worker),
	}
}

// ensureRecovered runs the crash-recovery sweep exactly once per process
// lifetime, before the service's first real operation — spec §4.9's
// "before accepting new submissions" contract.
func (s *Service) ensureRecovered(ctx context.Context) {
	s.recoverOnce.Do(func() {
		recovered, err := s.jobs.RecoverNonTerminal(ctx)
		if err != nil {
			logging.Error("jobsvc: recovery sweep: %v", err)
			return
		}
		if len(recovered) > 0 {
			logging.Info("jobsvc: recovered %d interrupted job(s) from a previous run", len(recovered))
		}
	})
}

// Submit persists a queued Job and starts its worker goroutine.
func (s *Service) Submit(ctx context.Context, taskID, action string, params map[string]any) (*models.Job, error) {
	s.ensureRecovered(ctx)

	job, err := s.jobs.Create(ctx, taskID, action, params)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.workers[job.ID] = &worker{cancel: cancel, ctx: runCtx, done: done}
	s.mu.Unlock()

	go s.run(job.ID, done)
	return job, nil
}

// Get returns a job by ID with no task-scoping check, for internal/admin use.
func (s *Service) Get(ctx context.Context, jobID string) (*models.Job, error) {
	s.ensureRecovered(ctx)
	return s.jobs.Get(ctx, jobID)
}

// Events returns job's lifecycle events in ascending order, or nil if the
// job doesn't exist or doesn't belong to taskID.
func (s *Service) Events(ctx context.Context, jobID, taskID string) ([]*models.JobEventRecord, error) {
	s.ensureRecovered(ctx)
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.TaskID != taskID {
		return nil, nil
	}
	return s.events.ListForJob(ctx, jobID)
}

// Wait blocks until jobID reaches a terminal status or timeout elapses
// (nil timeout blocks indefinitely), then returns its current state.
func (s *Service) Wait(ctx context.Context, jobID, taskID string, timeout *time.Duration) (*models.Job, error) {
	s.ensureRecovered(ctx)

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.TaskID != taskID {
		return nil, nil
	}
	if job.Status.Terminal() {
		return job, nil
	}

	s.mu.Lock()
	w := s.workers[jobID]
	s.mu.Unlock()

	if w == nil {
		// No worker is bound to this non-terminal job — it was left queued
		// or running by a process that no longer exists in this instance.
		result := map[string]any{"success": false, "message": "Job runner was not active for this in-flight job", "code": "JOB_RUNNER_MISSING"}
		transition, err := s.jobs.Complete(ctx, jobID, models.JobFailed, "Job runner was not active for this in-flight job", "JOB_RUNNER_MISSING", result)
		if err != nil {
			return nil, err
		}
		if transition == nil {
			return nil, nil
		}
		return transition.Job, nil
	}

	if timeout == nil {
		<-w.done
	} else {
		select {
		case <-w.done:
		case <-time.After(*timeout):
		}
	}

	job, err = s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.TaskID != taskID {
		return nil, nil
	}
	return job, nil
}

// Cancel is valid only when jobID belongs to taskID and is non-terminal.
// It writes cancelled to the DB first, then signals the worker; the
// worker's own completion write becomes a no-op against the already-
// terminal row.
func (s *Service) Cancel(ctx context.Context, jobID, taskID string) (*models.Job, error) {
	s.ensureRecovered(ctx)

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.TaskID != taskID {
		return nil, nil
	}
	if job.Status.Terminal() {
		return job, nil
	}

	result := map[string]any{"success": false, "message": "Job cancelled", "code": "JOB_CANCELLED"}
	transition, err := s.jobs.Complete(ctx, jobID, models.JobCancelled, "Job cancelled", "JOB_CANCELLED", result)
	if err != nil {
		return nil, err
	}
	if transition == nil {
		return nil, nil
	}

	s.mu.Lock()
	w := s.workers[jobID]
	s.mu.Unlock()
	if w != nil {
		w.cancel()
		<-w.done
	}

	return transition.Job, nil
}

// Shutdown cancels every outstanding worker and waits for each to finish
// writing its own terminal state before returning.
func (s *Service) Shutdown() {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.cancel()
			<-w.done
		}()
	}
	wg.Wait()
}

func (s *Service) run(jobID string, done chan struct{}) {
	defer close(done)
	defer s.cleanupWorker(jobID)

	s.mu.Lock()
	w := s.workers[jobID]
	s.mu.Unlock()
	if w == nil {
		return
	}

	transition, err := s.jobs.MarkRunning(context.Background(), jobID)
	if err != nil {
		logging.Error("jobsvc: job %s: mark running: %v", jobID, err)
		return
	}
	if transition == nil || !transition.Transitioned {
		return
	}
	job := transition.Job

	attempt, err := s.attempts.Start(context.Background(), jobID, job.LastAttemptNumber)
	if err != nil {
		logging.Error("jobsvc: job %s: start attempt %d: %v", jobID, job.LastAttemptNumber, err)
	}

	result, execErr := s.invoke(w.ctx, job.Action, job.Params)

	var status models.JobStatus
	var message, code string
	var resultMap map[string]any

	if w.ctx.Err() != nil {
		status, message, code = models.JobCancelled, "Job cancelled", "JOB_CANCELLED"
		resultMap = map[string]any{"success": false, "message": message, "code": code}
	} else if execErr != nil {
		status, message, code = models.JobFailed, execErr.Error(), "JOB_EXECUTION_ERROR"
		resultMap = map[string]any{"success": false, "message": message, "code": code}
	} else {
		success, _ := result["success"].(bool)
		if success {
			status = models.JobSucceeded
		} else {
			status = models.JobFailed
		}
		if m, ok := result["message"].(string); ok {
			message = m
		}
		if c, ok := result["code"].(string); ok {
			code = c
		}
		resultMap = result
	}

	transition, err = s.jobs.Complete(context.Background(), jobID, status, message, code, resultMap)
	if err != nil {
		logging.Error("jobsvc: job %s: complete: %v", jobID, err)
		return
	}
	if attempt != nil {
		if err := s.attempts.Finish(context.Background(), attempt.ID, status, message, code, resultMap); err != nil {
			logging.Error("jobsvc: job %s: finish attempt: %v", jobID, err)
		}
	}
	_ = transition
}

// invoke shields the rest of the worker from a panicking executor,
// turning it into the same JOB_EXECUTION_ERROR path a returned error
// takes.
func (s *Service) invoke(ctx context.Context, action string, params map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.executor(ctx, action, params)
}

func (s *Service) cleanupWorker(jobID string) {
	s.mu.Lock()
	delete(s.workers, jobID)
	s.mu.Unlock()
}
