package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veridex/veridex/internal/storage"
)

type mockJobStore struct {
	claimFn    func(types []string) (*storage.Job, error)
	completed  []string
	failed     []string
	failedMsgs []string
}

func (m *mockJobStore) ClaimNextJob(types []string) (*storage.Job, error) {
	if m.claimFn != nil {
		return m.claimFn(types)
	}
	return nil, nil
}

func (m *mockJobStore) CompleteJob(id string) error {
	m.completed = append(m.completed, id)
	return nil
}

func (m *mockJobStore) FailJob(id, errMsg string) error {
	m.failed = append(m.failed, id)
	m.failedMsgs = append(m.failedMsgs, errMsg)
	return nil
}

type mockRunner struct {
	runFn func(ctx context.Context, sessionID string, stepNumber int) error
	calls []struct {
		SessionID  string
		StepNumber int
	}
}

func (m *mockRunner) RunNextStep(ctx context.Context, sessionID string, stepNumber int) error {
	m.calls = append(m.calls, struct {
		SessionID  string
		StepNumber int
	}{sessionID, stepNumber})
	if m.runFn != nil {
		return m.runFn(ctx, sessionID, stepNumber)
	}
	return nil
}

func stepJob(id, payload string) *storage.Job {
	return &storage.Job{ID: id, Type: "run_step", PayloadJSON: payload}
}

func TestRunOnce_NoJob(t *testing.T) {
	store := &mockJobStore{}
	runner := &mockRunner{}
	w := NewWorker(store, runner, 0)

	processed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processed {
		t.Error("processed = true with an empty queue")
	}
	if len(runner.calls) != 0 {
		t.Errorf("runner called %d times, want 0", len(runner.calls))
	}
}

func TestRunOnce_ProcessesJob(t *testing.T) {
	store := &mockJobStore{
		claimFn: func(types []string) (*storage.Job, error) {
			if len(types) != 1 || types[0] != "run_step" {
				t.Errorf("claimed types = %v", types)
			}
			return stepJob("job-1", `{"session_id":"sess-1","step_number":2}`), nil
		},
	}
	runner := &mockRunner{}
	w := NewWorker(store, runner, 0)

	processed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !processed {
		t.Fatal("processed = false")
	}
	if len(runner.calls) != 1 || runner.calls[0].SessionID != "sess-1" || runner.calls[0].StepNumber != 2 {
		t.Errorf("runner calls = %+v", runner.calls)
	}
	if len(store.completed) != 1 || store.completed[0] != "job-1" {
		t.Errorf("completed = %v, want [job-1]", store.completed)
	}
	if len(store.failed) != 0 {
		t.Errorf("failed = %v, want none", store.failed)
	}
}

func TestRunOnce_RunnerErrorFailsJob(t *testing.T) {
	store := &mockJobStore{
		claimFn: func([]string) (*storage.Job, error) {
			return stepJob("job-2", `{"session_id":"sess-1","step_number":1}`), nil
		},
	}
	runner := &mockRunner{
		runFn: func(context.Context, string, int) error {
			return errors.New("step execution blew up")
		},
	}
	w := NewWorker(store, runner, 0)

	processed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !processed {
		t.Fatal("processed = false")
	}
	if len(store.failed) != 1 || store.failed[0] != "job-2" {
		t.Errorf("failed = %v, want [job-2]", store.failed)
	}
	if len(store.failedMsgs) != 1 || store.failedMsgs[0] != "step execution blew up" {
		t.Errorf("failure messages = %v", store.failedMsgs)
	}
	if len(store.completed) != 0 {
		t.Errorf("completed = %v, want none", store.completed)
	}
}

func TestRunOnce_MalformedPayloadFailsJob(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"session_id":"","step_number":1}`,
		`{"session_id":"sess-1","step_number":0}`,
	} {
		store := &mockJobStore{
			claimFn: func([]string) (*storage.Job, error) {
				return stepJob("job-3", payload), nil
			},
		}
		runner := &mockRunner{}
		w := NewWorker(store, runner, 0)

		if _, err := w.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce(%q): %v", payload, err)
		}
		if len(runner.calls) != 0 {
			t.Errorf("payload %q reached the runner", payload)
		}
		if len(store.failed) != 1 {
			t.Errorf("payload %q: failed = %v, want one entry", payload, store.failed)
		}
	}
}

func TestRunOnce_ClaimError(t *testing.T) {
	store := &mockJobStore{
		claimFn: func([]string) (*storage.Job, error) {
			return nil, errors.New("database locked")
		},
	}
	w := NewWorker(store, &mockRunner{}, 0)

	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Error("claim errors should propagate")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	store := &mockJobStore{}
	w := NewWorker(store, &mockRunner{}, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

type mockPurger struct {
	purgeFn func(cutoff time.Time) (int, error)
	cutoffs []time.Time
}

func (m *mockPurger) PurgeSessionsBefore(cutoff time.Time) (int, error) {
	m.cutoffs = append(m.cutoffs, cutoff)
	if m.purgeFn != nil {
		return m.purgeFn(cutoff)
	}
	return 0, nil
}

func TestJanitor_RunOnce(t *testing.T) {
	purger := &mockPurger{
		purgeFn: func(time.Time) (int, error) { return 4, nil },
	}
	j := NewJanitor(purger, 30*24*time.Hour, 0)

	if err := j.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(purger.cutoffs) != 1 {
		t.Fatalf("purge called %d times, want 1", len(purger.cutoffs))
	}

	wantCutoff := time.Now().Add(-30 * 24 * time.Hour)
	if diff := purger.cutoffs[0].Sub(wantCutoff); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want about %v", purger.cutoffs[0], wantCutoff)
	}
}

func TestJanitor_DisabledWithoutRetention(t *testing.T) {
	purger := &mockPurger{}
	j := NewJanitor(purger, 0, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	j.Run(ctx)

	if len(purger.cutoffs) != 0 {
		t.Errorf("disabled janitor purged %d times", len(purger.cutoffs))
	}
}
