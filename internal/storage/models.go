package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist, including
// writes against a session that has been deleted.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a session status change is not
// allowed by the session state machine.
var ErrInvalidTransition = errors.New("invalid session transition")

// ErrOutOfOrder is returned when a step is inserted with a sequence number
// other than the current maximum plus one.
var ErrOutOfOrder = errors.New("step number out of order")

// ErrStepTerminal is returned when updating a step that already reached a
// terminal status.
var ErrStepTerminal = errors.New("step already terminal")

// Session statuses.
const (
	SessionPending   = "pending"
	SessionAnalyzing = "analyzing"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Step statuses.
const (
	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepCompleted  = "completed"
	StepFailed     = "failed"
)

// Analysis modes.
const (
	ModeFactCheck = "fact_check"
	ModeResearch  = "research"
)

// Verdicts.
const (
	VerdictTrue       = "true"
	VerdictLikely     = "likely"
	VerdictUncertain  = "uncertain"
	VerdictSuspicious = "suspicious"
	VerdictFalse      = "false"
)

// Session is one end-to-end analysis request and its accumulated state.
// Verdict and Confidence stay nil for research mode at every status.
type Session struct {
	ID          string
	UserInput   string
	Image       []byte // optional attached image, raw bytes
	Mode        string
	Status      string
	Verdict     *string
	Confidence  *float64
	Summary     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Terminal reports whether the session reached a final status.
func (s Session) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionFailed
}

// Step is one unit of pipeline work within a session. Numbers are 1-based
// and contiguous per session.
type Step struct {
	SessionID    string
	Number       int
	Kind         string
	Description  string
	Status       string
	ResultJSON   string
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// Terminal reports whether the step reached a final status.
func (s Step) Terminal() bool {
	return s.Status == StepCompleted || s.Status == StepFailed
}

// Source is a document discovered during source search, enriched by later
// steps (content extraction fills the summary, evaluation the scores).
type Source struct {
	ID             string
	SessionID      string
	URL            string
	Title          string
	Publisher      string
	Author         string
	Snippet        string
	ContentSummary string
	PublishDate    *time.Time
	Credibility    *float64
	SupportsClaim  *bool
	Relevance      *float64
	IsPrimary      bool
	AccessedAt     time.Time
}

// SearchQuery records one query issued against the search provider.
type SearchQuery struct {
	ID           string
	SessionID    string
	Query        string
	Kind         string // "general", "news", "fact_check", "academic"
	Results      int
	Successful   bool
	ErrorMessage string
	CreatedAt    time.Time
}

// CapabilityCall is an append-only audit record for one invocation attempt
// of an external capability.
type CapabilityCall struct {
	ID           string
	SessionID    string
	StepNumber   int
	Capability   string
	Attempt      int
	Request      string
	ErrorMessage string
	DurationMS   int64
	CreatedAt    time.Time
}

// Job is a queued unit of background work, claimed by exactly one worker.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
