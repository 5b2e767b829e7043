// Package capability defines the external collaborators the pipeline steps
// invoke (language-model analysis, web search, content extraction) and the
// error taxonomy the executor uses to decide between retry and immediate
// failure.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error wraps a capability failure with a retry classification. Transient
// failures (timeouts, rate limits, upstream 5xx) are retried by the step
// executor; permanent ones (bad input, exhausted quota) are not.
type Error struct {
	Capability string
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Capability, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TransientErr marks err as retryable.
func TransientErr(capability string, err error) error {
	return &Error{Capability: capability, Transient: true, Err: err}
}

// PermanentErr marks err as not retryable.
func PermanentErr(capability string, err error) error {
	return &Error{Capability: capability, Transient: false, Err: err}
}

// IsTransient reports whether err should be retried. Unclassified errors
// are treated as permanent.
func IsTransient(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Transient
}

// Analysis is the claim analyzer's output: the claim broken into topics and
// verifiable subclaims.
type Analysis struct {
	Topics     []string `json:"topics"`
	Subclaims  []string `json:"subclaims"`
	Complexity string   `json:"complexity"`
	Summary    string   `json:"summary"`
}

// ClaimAnalyzer parses a user-submitted claim, optionally with an attached
// image, into structured topics and subclaims.
type ClaimAnalyzer interface {
	Analyze(ctx context.Context, text string, image []byte) (Analysis, error)
}

// Search kinds, each mapped by the finder to a differently-filtered query.
const (
	SearchGeneral   = "general"
	SearchNews      = "news"
	SearchFactCheck = "fact_check"
	SearchAcademic  = "academic"
)

// SearchResult is one hit from the search provider.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// SourceFinder runs one query of the given kind against the web search
// provider.
type SourceFinder interface {
	Search(ctx context.Context, query, kind string) ([]SearchResult, error)
}

// PageContent is the extracted content of one URL.
type PageContent struct {
	Title       string
	Text        string
	Author      string
	PublishDate *time.Time
}

// ContentExtractor fetches a URL and extracts readable text plus metadata.
// Per-URL failures are reported per call; callers decide how to handle
// partial failure across a URL set.
type ContentExtractor interface {
	Fetch(ctx context.Context, url string) (PageContent, error)
}

// EvidenceSource is the evaluator- and synthesizer-facing view of a
// discovered source.
type EvidenceSource struct {
	URL            string   `json:"url"`
	Title          string   `json:"title"`
	Publisher      string   `json:"publisher"`
	ContentSummary string   `json:"content_summary"`
	Credibility    *float64 `json:"credibility_score,omitempty"`
	SupportsClaim  *bool    `json:"supports_claim,omitempty"`
}

// Evaluation is one source's credibility assessment relative to the claim.
type Evaluation struct {
	Credibility   float64 `json:"credibility_score"`
	SupportsClaim bool    `json:"supports_claim"`
	Relevance     float64 `json:"relevance_score"`
	Reasoning     string  `json:"reasoning"`
}

// Evaluator scores a source's credibility and relevance against the claim.
type Evaluator interface {
	Score(ctx context.Context, source EvidenceSource, claim string) (Evaluation, error)
}

// Verdict is the fact-check synthesis output. Verdict is one of the storage
// verdict constants; Confidence is in [0,1].
type Verdict struct {
	Verdict               string   `json:"verdict"`
	Confidence            float64  `json:"confidence_score"`
	Summary               string   `json:"summary"`
	SupportingEvidence    []string `json:"supporting_evidence"`
	ContradictingEvidence []string `json:"contradicting_evidence"`
}

// Report is the research-mode synthesis output, a multi-section markdown
// document.
type Report struct {
	Markdown string `json:"markdown"`
	Summary  string `json:"summary"`
}

// VerdictSynthesizer produces the terminal payload for either mode.
type VerdictSynthesizer interface {
	Synthesize(ctx context.Context, claim string, analysis Analysis, sources []EvidenceSource) (Verdict, error)
	Research(ctx context.Context, question string, notes []string) (Report, error)
}

// Set bundles the capabilities the orchestrator is constructed with.
// Explicit injection rather than a process-wide registry keeps parallel
// tests with mock capabilities isolated.
type Set struct {
	Analyzer    ClaimAnalyzer
	Finder      SourceFinder
	Extractor   ContentExtractor
	Evaluator   Evaluator
	Synthesizer VerdictSynthesizer
}
