// Package gitrunner implements C2: the git command runner and worktree
// adapter spec §5 describes, grounded on the original's
// kagan.core.adapters.git.{operations,worktrees} modules. Every git
// invocation goes through CommandRunner so retry policy and error
// shaping live in one place.
package gitrunner

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kagan-sh/kagan-core/internal/kerrors"
	"github.com/kagan-sh/kagan-core/internal/procrunner"
)

// Result is the outcome of one git invocation.
type Result struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// CommandRunner executes git as a subprocess with a bounded retry policy,
// mirroring GitCommandRunner.run's two-attempt/100ms backoff in
// operations.py.
type CommandRunner struct {
	// MaxAttempts and Delay mirror ProcessRetryPolicy(max_attempts=2, delay_seconds=0.1)
	// from the original's GitCommandRunner.
	MaxAttempts uint64
	Delay       time.Duration
}

func NewCommandRunner() *CommandRunner {
	return &CommandRunner{MaxAttempts: 2, Delay: 100 * time.Millisecond}
}

// Run executes `git <args...>` in cwd. When check is true, a non-zero exit
// is retried per the backoff policy and then surfaced as a GitError.
func (r *CommandRunner) Run(ctx context.Context, cwd string, args []string, check bool) (*Result, error) {
	var result *Result
	attempts := 0

	operation := func() error {
		attempts++
		res, err := r.runOnce(ctx, cwd, args)
		if err != nil {
			return backoff.Permanent(err)
		}
		result = res
		if check && res.ReturnCode != 0 {
			return &kerrors.GitError{
				Args:       args,
				ReturnCode: res.ReturnCode,
				Stdout:     res.Stdout,
				Stderr:     res.Stderr,
				Attempts:   attempts,
			}
		}
		return nil
	}

	if !check {
		if err := operation(); err != nil {
			var permanent *backoff.PermanentError
			if ok := asPermanent(err, &permanent); ok {
				return nil, permanent.Err
			}
			return nil, err
		}
		return result, nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(r.Delay), r.MaxAttempts-1)
	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err != nil {
		var permanent *backoff.PermanentError
		if ok := asPermanent(err, &permanent); ok {
			return nil, permanent.Err
		}
		if gitErr, ok := err.(*kerrors.GitError); ok {
			gitErr.Attempts = attempts
			return nil, gitErr
		}
		return nil, err
	}
	return result, nil
}

func asPermanent(err error, out **backoff.PermanentError) bool {
	pe, ok := err.(*backoff.PermanentError)
	if ok {
		*out = pe
	}
	return ok
}

// runOnce spawns the git process via the shared procrunner adapter (C3),
// mirroring operations.py's GitCommandRunner delegating to
// run_exec_capture/run_exec_checked from kagan.core.adapters.process.
func (r *CommandRunner) runOnce(ctx context.Context, cwd string, args []string) (*Result, error) {
	res, err := procrunner.RunExecCapture(ctx, "git", args, cwd, nil, 0, procrunner.RetryPolicy{MaxAttempts: 1})
	if err != nil {
		return nil, err
	}
	return &Result{ReturnCode: res.ReturnCode, Stdout: string(res.Stdout), Stderr: string(res.Stderr)}, nil
}
