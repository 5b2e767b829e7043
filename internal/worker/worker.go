// Package worker runs the background loops: the step worker draining the
// jobs table and the janitor purging expired sessions.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/veridex/veridex/internal/orchestrator"
	"github.com/veridex/veridex/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// StepRunner executes one scheduled session step.
type StepRunner interface {
	RunNextStep(ctx context.Context, sessionID string, stepNumber int) error
}

// Worker processes run_step jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	runner StepRunner
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, runner StepRunner, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		runner: runner,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single run_step job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{orchestrator.JobTypeRunStep})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload orchestrator.RunStepPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.SessionID == "" || payload.StepNumber < 1 {
		return fmt.Errorf("malformed run_step payload: %q", job.PayloadJSON)
	}
	return w.runner.RunNextStep(ctx, payload.SessionID, payload.StepNumber)
}

// SessionPurger deletes terminal sessions older than a cutoff.
type SessionPurger interface {
	PurgeSessionsBefore(cutoff time.Time) (int, error)
}

// Janitor periodically purges terminal sessions past their retention age.
type Janitor struct {
	store     SessionPurger
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewJanitor creates a Janitor. Retention <= 0 disables purging; interval
// defaults to one hour.
func NewJanitor(store SessionPurger, retention, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    slog.Default(),
	}
}

// Run purges on the configured interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j.retention <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.RunOnce(); err != nil {
				j.logger.Error("session purge failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single purge pass.
func (j *Janitor) RunOnce() error {
	cutoff := time.Now().UTC().Add(-j.retention)
	n, err := j.store.PurgeSessionsBefore(cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Info("purged expired sessions", "count", n)
	}
	return nil
}
