package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/veridex/veridex/internal/capability"
	"github.com/veridex/veridex/internal/registry"
	"github.com/veridex/veridex/internal/storage"
)

// Outcome is the terminal result of executing one step.
type Outcome struct {
	Status     string // storage.StepCompleted or storage.StepFailed
	ResultJSON string
	ErrMessage string
}

// Executor runs a single step by invoking the capability bound to its kind.
// Each external invocation attempt is audited as a CapabilityCall row;
// transient failures are retried with exponential backoff up to a bound,
// permanent ones fail immediately.
type Executor struct {
	store       *storage.Store
	caps        capability.Set
	maxAttempts int
	backoffBase time.Duration
	logger      *slog.Logger
}

// NewExecutor builds an Executor. maxAttempts defaults to 3, backoffBase to
// one second.
func NewExecutor(store *storage.Store, caps capability.Set, maxAttempts int, backoffBase time.Duration, logger *slog.Logger) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:       store,
		caps:        caps,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      logger,
	}
}

// Execute runs the step bound to desc.Kind and maps its result onto a
// terminal step outcome. Step-level errors never propagate out; they are
// folded into a failed Outcome for the orchestrator's failure policy.
func (e *Executor) Execute(ctx context.Context, sess storage.Session, desc registry.StepDescriptor, prior []storage.Step) Outcome {
	sc := &stepContext{exec: e, sess: sess, step: desc, prior: prior}

	var payload any
	var err error
	switch desc.Kind {
	case registry.KindTopicAnalysis, registry.KindResearchUnderstanding:
		payload, err = sc.runClaimAnalysis(ctx)
	case registry.KindSourceSearch:
		payload, err = sc.runSourceSearch(ctx)
	case registry.KindContentExtraction:
		payload, err = sc.runContentExtraction(ctx)
	case registry.KindSourceEvaluation:
		payload, err = sc.runSourceEvaluation(ctx)
	case registry.KindFinalVerdict:
		payload, err = sc.runFinalVerdict(ctx)
	case registry.KindGeneralResearch:
		payload, err = sc.runGeneralResearch(ctx)
	case registry.KindSpecificResearch:
		payload, err = sc.runSpecificResearch(ctx)
	case registry.KindResearchReport:
		payload, err = sc.runResearchReport(ctx)
	default:
		err = fmt.Errorf("no capability bound to step kind %q", desc.Kind)
	}

	if err != nil {
		return Outcome{Status: storage.StepFailed, ErrMessage: err.Error()}
	}

	resultJSON, err := json.Marshal(payload)
	if err != nil {
		return Outcome{Status: storage.StepFailed, ErrMessage: fmt.Sprintf("encoding step result: %v", err)}
	}
	return Outcome{Status: storage.StepCompleted, ResultJSON: string(resultJSON)}
}

// invoke wraps one external capability call with the retry policy and
// writes one CapabilityCall audit row per attempt. fn captures its outputs.
func (e *Executor) invoke(ctx context.Context, sessionID string, stepNumber int, name, request string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		start := time.Now()
		err := fn(ctx)
		call := storage.CapabilityCall{
			SessionID:  sessionID,
			StepNumber: stepNumber,
			Capability: name,
			Attempt:    attempt,
			Request:    request,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			call.ErrorMessage = err.Error()
		}
		if _, saveErr := e.store.SaveCapabilityCall(call); saveErr != nil {
			// Audit rows are best-effort; a deleted session loses them anyway.
			e.logger.Warn("failed to record capability call", "session_id", sessionID, "capability", name, "error", saveErr)
		}

		if err == nil {
			return nil
		}
		lastErr = err
		if !capability.IsTransient(err) {
			return err
		}
		if attempt == e.maxAttempts {
			break
		}

		backoff := e.backoffBase << (attempt - 1)
		e.logger.Warn("transient capability failure, retrying",
			"session_id", sessionID, "capability", name, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("after %d attempts: %w", e.maxAttempts, lastErr)
}
