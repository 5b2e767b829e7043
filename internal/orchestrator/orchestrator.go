// Package orchestrator drives analysis sessions through their step
// pipeline: it creates sessions, schedules step jobs, executes steps
// through the capability set, and finalizes sessions when the pipeline
// completes or fails.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/veridex/veridex/internal/capability"
	"github.com/veridex/veridex/internal/hub"
	"github.com/veridex/veridex/internal/progress"
	"github.com/veridex/veridex/internal/registry"
	"github.com/veridex/veridex/internal/storage"
)

// MaxInputLen bounds accepted claim text.
const MaxInputLen = 10000

// Events is the fan-out surface the orchestrator publishes to. Satisfied
// by hub.Hub; nil disables publishing.
type Events interface {
	Publish(sessionID string, eventType string, data any)
}

// Orchestrator owns the session lifecycle.
type Orchestrator struct {
	store    *storage.Store
	registry *registry.Registry
	queue    Queue
	executor *Executor
	events   Events
	logger   *slog.Logger
}

func New(store *storage.Store, reg *registry.Registry, queue Queue, exec *Executor, events Events, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		registry: reg,
		queue:    queue,
		executor: exec,
		events:   events,
		logger:   logger,
	}
}

func (o *Orchestrator) publish(sessionID, eventType string, data any) {
	if o.events != nil {
		o.events.Publish(sessionID, eventType, data)
	}
}

// StartSession validates the submission, persists a pending session, and
// schedules its first step.
func (o *Orchestrator) StartSession(ctx context.Context, userInput string, image []byte, mode string) (storage.Session, error) {
	userInput = strings.TrimSpace(userInput)
	if userInput == "" && len(image) == 0 {
		return storage.Session{}, fmt.Errorf("user input is empty")
	}
	if len(userInput) > MaxInputLen {
		return storage.Session{}, fmt.Errorf("user input exceeds %d characters", MaxInputLen)
	}
	if mode == "" {
		mode = storage.ModeFactCheck
	}
	if !o.registry.ValidMode(mode) {
		return storage.Session{}, fmt.Errorf("unknown analysis mode %q", mode)
	}

	sess, err := o.store.CreateSession(userInput, image, mode)
	if err != nil {
		return storage.Session{}, fmt.Errorf("creating session: %w", err)
	}

	if err := o.queue.Enqueue(sess.ID, 1); err != nil {
		// Don't leave a session stuck in pending forever.
		summary := "failed to schedule analysis"
		if _, terr := o.store.TransitionSession(sess.ID, storage.SessionFailed, storage.SessionUpdate{Summary: &summary}); terr != nil {
			o.logger.Error("failing unschedulable session", "session_id", sess.ID, "error", terr)
		}
		return storage.Session{}, err
	}

	o.logger.Info("session started", "session_id", sess.ID, "mode", mode)
	return sess, nil
}

// RunNextStep executes one step of a session. It is the handler for
// run_step jobs and is safe to call more than once for the same step:
// already-finished steps are not re-executed, only their downstream
// scheduling is repaired. A nil return consumes the job; an error return
// hands the job back to the queue for retry.
func (o *Orchestrator) RunNextStep(ctx context.Context, sessionID string, stepNumber int) error {
	sess, err := o.store.GetSession(sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		o.logger.Info("dropping step for deleted session", "session_id", sessionID, "step", stepNumber)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	desc, err := o.registry.Step(sess.Mode, stepNumber)
	if err != nil {
		o.logger.Error("dropping unrunnable step job", "session_id", sessionID, "step", stepNumber, "error", err)
		return nil
	}

	if sess.Terminal() {
		return nil
	}

	// Duplicate delivery: the step may already be finished. Repair
	// scheduling without re-executing.
	if existing, err := o.store.GetStep(sessionID, stepNumber); err == nil && existing.Terminal() {
		return o.afterStep(ctx, sess, desc, existing)
	}

	if sess.Status == storage.SessionPending {
		updated, err := o.store.TransitionSession(sessionID, storage.SessionAnalyzing, storage.SessionUpdate{})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil
		case errors.Is(err, storage.ErrInvalidTransition):
			// Lost a race with another worker or a concurrent delete.
			fresh, gerr := o.store.GetSession(sessionID)
			if gerr != nil || fresh.Terminal() {
				return nil
			}
			sess = fresh
		case err != nil:
			return fmt.Errorf("starting session: %w", err)
		default:
			sess = updated
		}
	}

	prior, err := o.store.ListSteps(sessionID)
	if err != nil {
		return fmt.Errorf("listing steps: %w", err)
	}

	step, err := o.store.StartStep(sessionID, stepNumber, desc.Kind, desc.Description)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case errors.Is(err, storage.ErrStepTerminal):
		finished, gerr := o.store.GetStep(sessionID, stepNumber)
		if gerr != nil {
			return nil
		}
		return o.afterStep(ctx, sess, desc, finished)
	case err != nil:
		return fmt.Errorf("starting step %d: %w", stepNumber, err)
	}

	o.publish(sessionID, hub.EventStepUpdate, stepEvent(step))
	o.publishProgress(sessionID)

	outcome := o.executor.Execute(ctx, sess, desc, prior)

	finished, err := o.store.CompleteStep(sessionID, stepNumber, outcome.Status, outcome.ResultJSON, outcome.ErrMessage)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Session deleted while the step ran.
		return nil
	case errors.Is(err, storage.ErrStepTerminal):
		if finished, err = o.store.GetStep(sessionID, stepNumber); err != nil {
			return nil
		}
	case err != nil:
		return fmt.Errorf("completing step %d: %w", stepNumber, err)
	}

	o.publish(sessionID, hub.EventStepUpdate, stepEvent(finished))
	o.publishProgress(sessionID)

	return o.afterStep(ctx, sess, desc, finished)
}

// afterStep schedules the pipeline's continuation after a step reached a
// terminal state: enqueue the next step, finalize the session, or fail it.
func (o *Orchestrator) afterStep(ctx context.Context, sess storage.Session, desc registry.StepDescriptor, step storage.Step) error {
	total, err := o.registry.Count(sess.Mode)
	if err != nil {
		return err
	}

	if step.Status == storage.StepFailed && !desc.Optional {
		return o.failSession(sess, desc, step)
	}
	if step.Status == storage.StepFailed {
		o.logger.Warn("optional step failed, continuing degraded",
			"session_id", sess.ID, "step", step.Number, "kind", step.Kind, "error", step.ErrorMessage)
	}

	if step.Number < total {
		return o.queue.Enqueue(sess.ID, step.Number+1)
	}
	return o.finalize(sess)
}

// finalize completes the session, applying the final step's conclusions.
// Fact-check sessions get a verdict, confidence, and summary; research
// sessions carry their report in the summary and never a verdict.
func (o *Orchestrator) finalize(sess storage.Session) error {
	upd, err := o.finalUpdate(sess)
	if err != nil {
		return err
	}

	done, err := o.store.TransitionSession(sess.ID, storage.SessionCompleted, upd)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case errors.Is(err, storage.ErrInvalidTransition):
		// Already finalized by a concurrent duplicate delivery.
		if done, err = o.store.GetSession(sess.ID); err != nil {
			return nil
		}
	case err != nil:
		return fmt.Errorf("completing session: %w", err)
	}

	results, err := o.Results(done.ID)
	if err != nil {
		o.logger.Warn("assembling completion event", "session_id", done.ID, "error", err)
		results = ResultsPayload{SessionID: done.ID, Status: done.Status}
	}
	o.publish(done.ID, hub.EventAnalysisComplete, results)
	o.logger.Info("session completed", "session_id", done.ID, "mode", done.Mode)
	return nil
}

func (o *Orchestrator) finalUpdate(sess storage.Session) (storage.SessionUpdate, error) {
	steps, err := o.store.ListSteps(sess.ID)
	if err != nil {
		return storage.SessionUpdate{}, err
	}

	for i := len(steps) - 1; i >= 0; i-- {
		st := steps[i]
		if st.Status != storage.StepCompleted {
			continue
		}
		switch st.Kind {
		case registry.KindFinalVerdict:
			var verdict capability.Verdict
			if err := json.Unmarshal([]byte(st.ResultJSON), &verdict); err != nil {
				return storage.SessionUpdate{}, fmt.Errorf("decoding verdict: %w", err)
			}
			return storage.SessionUpdate{
				Verdict:    &verdict.Verdict,
				Confidence: &verdict.Confidence,
				Summary:    &verdict.Summary,
			}, nil
		case registry.KindResearchReport:
			var report capability.Report
			if err := json.Unmarshal([]byte(st.ResultJSON), &report); err != nil {
				return storage.SessionUpdate{}, fmt.Errorf("decoding report: %w", err)
			}
			return storage.SessionUpdate{Summary: &report.Markdown}, nil
		}
	}
	return storage.SessionUpdate{}, nil
}

func (o *Orchestrator) failSession(sess storage.Session, desc registry.StepDescriptor, step storage.Step) error {
	summary := fmt.Sprintf("analysis failed at step %d (%s): %s", step.Number, desc.Kind, step.ErrorMessage)
	failed, err := o.store.TransitionSession(sess.ID, storage.SessionFailed, storage.SessionUpdate{Summary: &summary})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case errors.Is(err, storage.ErrInvalidTransition):
		return nil
	case err != nil:
		return fmt.Errorf("failing session: %w", err)
	}

	o.publish(failed.ID, hub.EventAnalysisError, map[string]any{
		"session_id":  failed.ID,
		"step_number": step.Number,
		"step_type":   step.Kind,
		"error":       step.ErrorMessage,
	})
	o.logger.Warn("session failed", "session_id", failed.ID, "step", step.Number, "kind", step.Kind)
	return nil
}

// Progress computes the session's live progress view.
func (o *Orchestrator) Progress(sessionID string) (progress.Summary, error) {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return progress.Summary{}, err
	}
	steps, err := o.store.ListSteps(sessionID)
	if err != nil {
		return progress.Summary{}, err
	}
	total, err := o.registry.Count(sess.Mode)
	if err != nil {
		return progress.Summary{}, err
	}
	return progress.Compute(sess, total, steps), nil
}

// Snapshot is the hub's initial_status producer: the event a new stream
// subscriber receives before any live updates.
func (o *Orchestrator) Snapshot(ctx context.Context, sessionID string) (hub.Event, error) {
	sum, err := o.Progress(sessionID)
	if err != nil {
		return hub.Event{}, err
	}
	return hub.Event{Type: hub.EventInitialStatus, SessionID: sessionID, Data: sum}, nil
}

func (o *Orchestrator) publishProgress(sessionID string) {
	sum, err := o.Progress(sessionID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("computing progress", "session_id", sessionID, "error", err)
		}
		return
	}
	o.publish(sessionID, hub.EventProgressUpdate, sum)
}

func stepEvent(step storage.Step) map[string]any {
	ev := map[string]any{
		"step_number": step.Number,
		"step_type":   step.Kind,
		"description": step.Description,
		"status":      step.Status,
	}
	if step.ErrorMessage != "" {
		ev["error"] = step.ErrorMessage
	}
	return ev
}

// SourceView is one evidence source in the results payload.
type SourceView struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Publisher   string   `json:"publisher,omitempty"`
	Author      string   `json:"author,omitempty"`
	Snippet     string   `json:"snippet,omitempty"`
	Credibility *float64 `json:"credibility_score,omitempty"`
	Supports    *bool    `json:"supports_claim,omitempty"`
	Relevance   *float64 `json:"relevance_score,omitempty"`
}

// ResultsPayload is the final outcome of a session: verdict fields for
// fact-check sessions, the report summary for research sessions, and the
// evidence either way.
type ResultsPayload struct {
	SessionID  string       `json:"session_id"`
	Status     string       `json:"status"`
	Mode       string       `json:"mode"`
	Verdict    *string      `json:"verdict,omitempty"`
	Confidence *float64     `json:"confidence,omitempty"`
	Summary    string       `json:"summary,omitempty"`
	Sources    []SourceView `json:"sources"`
}

// Results assembles the session's outcome with its evidence sources.
func (o *Orchestrator) Results(sessionID string) (ResultsPayload, error) {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return ResultsPayload{}, err
	}
	sources, err := o.store.ListSources(sessionID)
	if err != nil {
		return ResultsPayload{}, err
	}

	out := ResultsPayload{
		SessionID:  sess.ID,
		Status:     sess.Status,
		Mode:       sess.Mode,
		Verdict:    sess.Verdict,
		Confidence: sess.Confidence,
		Summary:    sess.Summary,
		Sources:    make([]SourceView, 0, len(sources)),
	}
	for _, src := range sources {
		out.Sources = append(out.Sources, SourceView{
			URL:         src.URL,
			Title:       src.Title,
			Publisher:   src.Publisher,
			Author:      src.Author,
			Snippet:     src.Snippet,
			Credibility: src.Credibility,
			Supports:    src.SupportsClaim,
			Relevance:   src.Relevance,
		})
	}
	return out, nil
}
