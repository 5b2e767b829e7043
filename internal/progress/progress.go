// Package progress derives a session's progress view purely from persisted
// step records. There are no hidden counters: the same inputs always yield
// the same summary.
package progress

import (
	"math"
	"time"

	"github.com/veridex/veridex/internal/storage"
)

// CurrentStep identifies the step an observer should watch: the lowest
// in-progress step, or the lowest pending one if nothing is running.
type CurrentStep struct {
	Number      int    `json:"step_number"`
	Kind        string `json:"step_type"`
	Description string `json:"description"`
}

// StepView is the observer-facing projection of one step record.
type StepView struct {
	Number      int    `json:"step_number"`
	Kind        string `json:"step_type"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Error       string `json:"error_message,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// Summary is the aggregate progress view for a session.
type Summary struct {
	SessionID      string       `json:"session_id"`
	Status         string       `json:"status"`
	Percentage     float64      `json:"progress_percentage"`
	CompletedSteps int          `json:"completed_steps"`
	TotalSteps     int          `json:"total_steps"`
	FailedSteps    int          `json:"failed_steps"`
	CurrentStep    *CurrentStep `json:"current_step,omitempty"`
	Steps          []StepView   `json:"steps"`
}

// Compute builds the progress summary for a session from its registered
// step count and persisted step records. Percentage is completed steps over
// the registered total, rounded to one decimal.
func Compute(sess storage.Session, registeredSteps int, steps []storage.Step) Summary {
	sum := Summary{
		SessionID:  sess.ID,
		Status:     sess.Status,
		TotalSteps: registeredSteps,
		Steps:      make([]StepView, 0, len(steps)),
	}

	for _, st := range steps {
		view := StepView{
			Number:      st.Number,
			Kind:        st.Kind,
			Description: st.Description,
			Status:      st.Status,
			Error:       st.ErrorMessage,
		}
		if st.CompletedAt != nil {
			view.CompletedAt = st.CompletedAt.UTC().Format(time.RFC3339)
		}
		sum.Steps = append(sum.Steps, view)

		switch st.Status {
		case storage.StepCompleted:
			sum.CompletedSteps++
		case storage.StepFailed:
			sum.FailedSteps++
		}
	}

	// Lowest in-progress step wins; otherwise the lowest pending one.
	for _, st := range steps {
		if st.Status == storage.StepInProgress {
			sum.CurrentStep = &CurrentStep{Number: st.Number, Kind: st.Kind, Description: st.Description}
			break
		}
	}
	if sum.CurrentStep == nil {
		for _, st := range steps {
			if st.Status == storage.StepPending {
				sum.CurrentStep = &CurrentStep{Number: st.Number, Kind: st.Kind, Description: st.Description}
				break
			}
		}
	}

	if registeredSteps > 0 {
		pct := 100 * float64(sum.CompletedSteps) / float64(registeredSteps)
		sum.Percentage = math.Round(pct*10) / 10
	}
	return sum
}
