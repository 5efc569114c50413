package schedule

import (
	"context"
	"fmt"
	"time"

	"vigil/internal/audit"
	"vigil/internal/logging"
)

// DefaultJobTimeout applies when a job declares none.
const DefaultJobTimeout = 10 * time.Minute

// Result records one job execution attempt.
type Result struct {
	Job      string
	Started  time.Time
	Duration time.Duration
	Detail   string
	TimedOut bool
	Err      error
}

// Runner executes one due job at a time, enforcing the job's timeout via
// context cancellation. A timed-out callback is abandoned; the control loop
// never waits past the deadline.
type Runner struct {
	audit  *audit.Logger
	logger *logging.Logger
	now    func() time.Time
}

func NewRunner(auditLog *audit.Logger, logger *logging.Logger) *Runner {
	return &Runner{
		audit:  auditLog,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs job's callback and records the outcome. Success or failure,
// the attempt consumed its scheduling slot: the caller must advance lastRun.
func (r *Runner) Execute(ctx context.Context, job Job) Result {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}

	res := Result{Job: job.Name, Started: r.now()}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		detail string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("job panic: %v", p)}
			}
		}()
		detail, err := job.Run(runCtx)
		done <- outcome{detail: detail, err: err}
	}()

	select {
	case out := <-done:
		res.Detail = out.detail
		res.Err = out.err
	case <-runCtx.Done():
		res.TimedOut = true
		res.Err = fmt.Errorf("job %s timed out after %s", job.Name, timeout)
	}
	res.Duration = time.Since(res.Started)

	details := map[string]any{
		"duration_ms": res.Duration.Milliseconds(),
		"timed_out":   res.TimedOut,
	}
	if res.Err != nil {
		r.logger.Warnf("job failed name=%s duration=%s error=%v", job.Name, res.Duration, res.Err)
		if err := r.audit.Failure("scheduler", "job_executed", job.Name, res.Err, details); err != nil {
			r.logger.Warnf("audit append failed job=%s error=%v", job.Name, err)
		}
		return res
	}

	if res.Detail != "" {
		details["detail"] = res.Detail
	}
	r.logger.Infof("job executed name=%s duration=%s", job.Name, res.Duration)
	if err := r.audit.Success("scheduler", "job_executed", job.Name, details); err != nil {
		r.logger.Warnf("audit append failed job=%s error=%v", job.Name, err)
	}
	return res
}
