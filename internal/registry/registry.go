// Package registry holds the fixed ordered catalog of pipeline steps per
// analysis mode. It is pure data: no side effects, no state.
package registry

import (
	"fmt"

	"github.com/veridex/veridex/internal/storage"
)

// Step kinds.
const (
	KindTopicAnalysis     = "topic_analysis"
	KindSourceSearch      = "source_search"
	KindContentExtraction = "content_extraction"
	KindSourceEvaluation  = "source_evaluation"
	KindFinalVerdict      = "final_verdict"

	KindResearchUnderstanding = "research_understanding"
	KindGeneralResearch       = "general_research"
	KindSpecificResearch      = "specific_research"
	KindResearchReport        = "research_report"
)

// StepDescriptor describes one registered step. Optional steps may fail
// without failing the whole session: later steps run with reduced evidence.
type StepDescriptor struct {
	Number      int
	Kind        string
	Description string
	Optional    bool
}

// Registry maps analysis modes to their ordered step sequences.
type Registry struct {
	modes map[string][]StepDescriptor
}

// New returns the default registry covering fact-check and research modes.
func New() *Registry {
	return &Registry{modes: map[string][]StepDescriptor{
		storage.ModeFactCheck: numbered([]StepDescriptor{
			{Kind: KindTopicAnalysis, Description: "Analyzing claim and identifying key topics"},
			{Kind: KindSourceSearch, Description: "Searching for relevant sources"},
			{Kind: KindContentExtraction, Description: "Extracting content from discovered sources"},
			{Kind: KindSourceEvaluation, Description: "Evaluating source credibility and relevance", Optional: true},
			{Kind: KindFinalVerdict, Description: "Synthesizing final verdict"},
		}),
		storage.ModeResearch: numbered([]StepDescriptor{
			{Kind: KindResearchUnderstanding, Description: "Understanding the research question"},
			{Kind: KindGeneralResearch, Description: "Gathering general background material", Optional: true},
			{Kind: KindSpecificResearch, Description: "Investigating specific subtopics", Optional: true},
			{Kind: KindResearchReport, Description: "Compiling the research report"},
		}),
	}}
}

func numbered(steps []StepDescriptor) []StepDescriptor {
	for i := range steps {
		steps[i].Number = i + 1
	}
	return steps
}

// Steps returns the ordered step sequence for a mode. The returned slice is
// a copy; callers cannot mutate the registry.
func (r *Registry) Steps(mode string) ([]StepDescriptor, error) {
	steps, ok := r.modes[mode]
	if !ok {
		return nil, fmt.Errorf("unknown analysis mode %q", mode)
	}
	out := make([]StepDescriptor, len(steps))
	copy(out, steps)
	return out, nil
}

// Step returns the descriptor for one step number of a mode.
func (r *Registry) Step(mode string, number int) (StepDescriptor, error) {
	steps, err := r.Steps(mode)
	if err != nil {
		return StepDescriptor{}, err
	}
	if number < 1 || number > len(steps) {
		return StepDescriptor{}, fmt.Errorf("mode %q has no step %d", mode, number)
	}
	return steps[number-1], nil
}

// Count returns the number of registered steps for a mode.
func (r *Registry) Count(mode string) (int, error) {
	steps, err := r.Steps(mode)
	if err != nil {
		return 0, err
	}
	return len(steps), nil
}

// Modes lists the known analysis modes.
func (r *Registry) Modes() []string {
	return []string{storage.ModeFactCheck, storage.ModeResearch}
}

// ValidMode reports whether mode is registered.
func (r *Registry) ValidMode(mode string) bool {
	_, ok := r.modes[mode]
	return ok
}
