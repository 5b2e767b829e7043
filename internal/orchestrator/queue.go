package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/veridex/veridex/internal/storage"
)

// JobTypeRunStep is the queue job type driving session step execution.
const JobTypeRunStep = "run_step"

// RunStepPayload is the JSON payload of a run_step job.
type RunStepPayload struct {
	SessionID  string `json:"session_id"`
	StepNumber int    `json:"step_number"`
}

// Queue schedules step executions. The production implementation is the
// jobs table; tests substitute an in-memory recorder.
type Queue interface {
	Enqueue(sessionID string, stepNumber int) error
}

type jobEnqueuer interface {
	EnqueueJob(job storage.Job) error
}

// SQLiteQueue schedules steps through the persistent jobs table, so work
// survives restarts and is claimed by exactly one worker.
type SQLiteQueue struct {
	store jobEnqueuer
}

func NewSQLiteQueue(store jobEnqueuer) *SQLiteQueue {
	return &SQLiteQueue{store: store}
}

func (q *SQLiteQueue) Enqueue(sessionID string, stepNumber int) error {
	payload, err := json.Marshal(RunStepPayload{SessionID: sessionID, StepNumber: stepNumber})
	if err != nil {
		return err
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeRunStep,
		PayloadJSON: string(payload),
	}
	if err := q.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueue step %d for session %s: %w", stepNumber, sessionID, err)
	}
	return nil
}
