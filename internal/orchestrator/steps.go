package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/veridex/veridex/internal/capability"
	"github.com/veridex/veridex/internal/registry"
	"github.com/veridex/veridex/internal/storage"
)

const (
	maxQueries      = 3
	maxSources      = 10
	fetchConcurrent = 4
)

// stepContext carries everything one step execution needs: the session,
// prior step records, and the executor's capabilities and retry wrapper.
type stepContext struct {
	exec  *Executor
	sess  storage.Session
	step  registry.StepDescriptor
	prior []storage.Step
}

// priorResult decodes the result payload of the most recent prior step of
// the given kind.
func (sc *stepContext) priorResult(kind string, v any) error {
	for i := len(sc.prior) - 1; i >= 0; i-- {
		st := sc.prior[i]
		if st.Kind == kind && st.Status == storage.StepCompleted {
			return json.Unmarshal([]byte(st.ResultJSON), v)
		}
	}
	return fmt.Errorf("no completed %s step", kind)
}

func (sc *stepContext) invoke(ctx context.Context, name, request string, fn func(context.Context) error) error {
	return sc.exec.invoke(ctx, sc.sess.ID, sc.step.Number, name, request, fn)
}

type searchPayload struct {
	QueriesUsed  []string `json:"queries_used"`
	ResultsCount int      `json:"results_count"`
}

type extractionPayload struct {
	Extracted int `json:"extracted"`
	Failed    int `json:"failed"`
}

type evaluationPayload struct {
	Evaluated int `json:"evaluated"`
	Failed    int `json:"failed"`
}

type researchNotesPayload struct {
	Notes       []string `json:"notes"`
	SourceCount int      `json:"source_count"`
}

// runClaimAnalysis serves both topic_analysis and research_understanding:
// break the input into topics and verifiable subclaims.
func (sc *stepContext) runClaimAnalysis(ctx context.Context) (any, error) {
	var analysis capability.Analysis
	err := sc.invoke(ctx, "claim_analyzer", truncateRequest(sc.sess.UserInput), func(ctx context.Context) error {
		var err error
		analysis, err = sc.exec.caps.Analyzer.Analyze(ctx, sc.sess.UserInput, sc.sess.Image)
		return err
	})
	if err != nil {
		return nil, err
	}
	return analysis, nil
}

// searchQueries derives the query list from the initial analysis.
func searchQueries(input string, analysis capability.Analysis) []string {
	queries := []string{input}
	for _, sub := range analysis.Subclaims {
		if len(queries) >= maxQueries {
			break
		}
		if sub != "" && sub != input {
			queries = append(queries, sub)
		}
	}
	return queries
}

// runSourceSearch issues the derived queries against the search provider,
// one kind-variant spread for the primary query, and persists deduplicated
// sources. Individual query failures are recorded and tolerated; the step
// fails only when no source at all was found.
func (sc *stepContext) runSourceSearch(ctx context.Context) (any, error) {
	var analysis capability.Analysis
	if err := sc.priorResult(registry.KindTopicAnalysis, &analysis); err != nil {
		return nil, err
	}

	queries := searchQueries(sc.sess.UserInput, analysis)
	kindsFor := func(i int) []string {
		if i == 0 {
			return []string{capability.SearchGeneral, capability.SearchNews, capability.SearchFactCheck, capability.SearchAcademic}
		}
		return []string{capability.SearchGeneral}
	}

	seen := make(map[string]bool)
	var lastErr error
	saved := 0
	for i, query := range queries {
		for _, kind := range kindsFor(i) {
			var results []capability.SearchResult
			err := sc.invoke(ctx, "source_finder", query+" ["+kind+"]", func(ctx context.Context) error {
				var err error
				results, err = sc.exec.caps.Finder.Search(ctx, query, kind)
				return err
			})

			record := storage.SearchQuery{
				SessionID:  sc.sess.ID,
				Query:      query,
				Kind:       kind,
				Results:    len(results),
				Successful: err == nil,
			}
			if err != nil {
				record.ErrorMessage = err.Error()
				lastErr = err
			}
			if _, saveErr := sc.exec.store.SaveSearchQuery(record); saveErr != nil {
				return nil, saveErr
			}

			for _, res := range results {
				if saved >= maxSources || seen[res.URL] {
					continue
				}
				seen[res.URL] = true
				src := storage.Source{
					SessionID: sc.sess.ID,
					URL:       res.URL,
					Title:     res.Title,
					Snippet:   res.Snippet,
					Publisher: capability.PublisherFromURL(res.URL),
					IsPrimary: kind == capability.SearchAcademic,
				}
				if _, saveErr := sc.exec.store.SaveSource(src); saveErr != nil {
					return nil, saveErr
				}
				saved++
			}
		}
	}

	if saved == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("no sources found: %w", lastErr)
		}
		return nil, fmt.Errorf("no sources found for claim")
	}
	return searchPayload{QueriesUsed: queries, ResultsCount: saved}, nil
}

// runContentExtraction fetches every discovered source concurrently.
// Per-URL failures are tolerated; the step fails only when nothing could be
// extracted.
func (sc *stepContext) runContentExtraction(ctx context.Context) (any, error) {
	sources, err := sc.exec.store.ListSources(sc.sess.ID)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources to extract")
	}

	results := make([]*capability.PageContent, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrent)
	for i, src := range sources {
		g.Go(func() error {
			var content capability.PageContent
			err := sc.invoke(gctx, "content_extractor", src.URL, func(ctx context.Context) error {
				var err error
				content, err = sc.exec.caps.Extractor.Fetch(ctx, src.URL)
				return err
			})
			if err != nil {
				sc.exec.logger.Warn("source fetch failed", "session_id", sc.sess.ID, "url", src.URL, "error", err)
				return nil
			}
			results[i] = &content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	extracted := 0
	for i, src := range sources {
		content := results[i]
		if content == nil {
			continue
		}
		summary := content.Text
		if len(summary) > 2000 {
			summary = summary[:2000]
		}
		if err := sc.exec.store.UpdateSourceContent(src.ID, summary, content.Author, content.PublishDate); err != nil {
			if err == storage.ErrNotFound {
				continue // session deleted mid-flight
			}
			return nil, err
		}
		extracted++
	}

	if extracted == 0 {
		return nil, fmt.Errorf("content extraction failed for all %d sources", len(sources))
	}
	return extractionPayload{Extracted: extracted, Failed: len(sources) - extracted}, nil
}

// runSourceEvaluation scores each extracted source against the claim.
func (sc *stepContext) runSourceEvaluation(ctx context.Context) (any, error) {
	sources, err := sc.exec.store.ListSources(sc.sess.ID)
	if err != nil {
		return nil, err
	}

	evaluated, failed := 0, 0
	var lastErr error
	for _, src := range sources {
		if src.ContentSummary == "" {
			continue
		}
		var eval capability.Evaluation
		err := sc.invoke(ctx, "evaluator", src.URL, func(ctx context.Context) error {
			var err error
			eval, err = sc.exec.caps.Evaluator.Score(ctx, evidenceSource(src), sc.sess.UserInput)
			return err
		})
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		if err := sc.exec.store.UpdateSourceEvaluation(src.ID, eval.Credibility, eval.SupportsClaim, eval.Relevance); err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		evaluated++
	}

	if evaluated == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("evaluated no sources: %w", lastErr)
		}
		return nil, fmt.Errorf("no extracted sources to evaluate")
	}
	return evaluationPayload{Evaluated: evaluated, Failed: failed}, nil
}

// runFinalVerdict synthesizes the fact-check verdict from whatever evidence
// survived the earlier steps.
func (sc *stepContext) runFinalVerdict(ctx context.Context) (any, error) {
	var analysis capability.Analysis
	if err := sc.priorResult(registry.KindTopicAnalysis, &analysis); err != nil {
		return nil, err
	}

	sources, err := sc.exec.store.ListSources(sc.sess.ID)
	if err != nil {
		return nil, err
	}
	evidence := make([]capability.EvidenceSource, 0, len(sources))
	for _, src := range sources {
		if src.ContentSummary == "" {
			continue
		}
		evidence = append(evidence, evidenceSource(src))
	}

	var verdict capability.Verdict
	err = sc.invoke(ctx, "verdict_synthesizer", truncateRequest(sc.sess.UserInput), func(ctx context.Context) error {
		var err error
		verdict, err = sc.exec.caps.Synthesizer.Synthesize(ctx, sc.sess.UserInput, analysis, evidence)
		return err
	})
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

// runGeneralResearch gathers background material for the research question.
func (sc *stepContext) runGeneralResearch(ctx context.Context) (any, error) {
	return sc.researchPass(ctx, []string{sc.sess.UserInput}, capability.SearchGeneral)
}

// runSpecificResearch digs into the subtopics identified by the
// understanding step.
func (sc *stepContext) runSpecificResearch(ctx context.Context) (any, error) {
	var analysis capability.Analysis
	if err := sc.priorResult(registry.KindResearchUnderstanding, &analysis); err != nil {
		return nil, err
	}
	topics := analysis.Subclaims
	if len(topics) == 0 {
		topics = analysis.Topics
	}
	if len(topics) > maxQueries {
		topics = topics[:maxQueries]
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("no subtopics identified")
	}
	return sc.researchPass(ctx, topics, capability.SearchAcademic)
}

// researchPass searches each query, fetches the top hits, and collects the
// extracted text as notes for the report step.
func (sc *stepContext) researchPass(ctx context.Context, queries []string, kind string) (any, error) {
	var notes []string
	saved := 0
	for _, query := range queries {
		var results []capability.SearchResult
		err := sc.invoke(ctx, "source_finder", query+" ["+kind+"]", func(ctx context.Context) error {
			var err error
			results, err = sc.exec.caps.Finder.Search(ctx, query, kind)
			return err
		})

		record := storage.SearchQuery{
			SessionID:  sc.sess.ID,
			Query:      query,
			Kind:       kind,
			Results:    len(results),
			Successful: err == nil,
		}
		if err != nil {
			record.ErrorMessage = err.Error()
		}
		if _, saveErr := sc.exec.store.SaveSearchQuery(record); saveErr != nil {
			return nil, saveErr
		}
		if err != nil {
			continue
		}

		if len(results) > 3 {
			results = results[:3]
		}
		for _, res := range results {
			var content capability.PageContent
			fetchErr := sc.invoke(ctx, "content_extractor", res.URL, func(ctx context.Context) error {
				var err error
				content, err = sc.exec.caps.Extractor.Fetch(ctx, res.URL)
				return err
			})
			if fetchErr != nil {
				continue
			}

			src := storage.Source{
				SessionID:      sc.sess.ID,
				URL:            res.URL,
				Title:          res.Title,
				Snippet:        res.Snippet,
				Publisher:      capability.PublisherFromURL(res.URL),
				Author:         content.Author,
				PublishDate:    content.PublishDate,
				ContentSummary: truncateRequest(content.Text),
			}
			if _, saveErr := sc.exec.store.SaveSource(src); saveErr != nil && saveErr != storage.ErrNotFound {
				return nil, saveErr
			}
			saved++

			note := fmt.Sprintf("[%s] %s\n%s", res.URL, res.Title, truncateRequest(content.Text))
			notes = append(notes, note)
		}
	}

	if len(notes) == 0 {
		return nil, fmt.Errorf("gathered no research material")
	}
	return researchNotesPayload{Notes: notes, SourceCount: saved}, nil
}

// runResearchReport compiles the notes from the research passes into the
// final markdown report.
func (sc *stepContext) runResearchReport(ctx context.Context) (any, error) {
	var notes []string
	for _, kind := range []string{registry.KindGeneralResearch, registry.KindSpecificResearch} {
		var pass researchNotesPayload
		if err := sc.priorResult(kind, &pass); err == nil {
			notes = append(notes, pass.Notes...)
		}
	}
	if len(notes) == 0 {
		// Both research passes failed (they are optional); report on the
		// question alone rather than fabricating evidence.
		notes = []string{"No external research material was gathered."}
	}

	var report capability.Report
	err := sc.invoke(ctx, "verdict_synthesizer", truncateRequest(sc.sess.UserInput), func(ctx context.Context) error {
		var err error
		report, err = sc.exec.caps.Synthesizer.Research(ctx, sc.sess.UserInput, notes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func evidenceSource(src storage.Source) capability.EvidenceSource {
	return capability.EvidenceSource{
		URL:            src.URL,
		Title:          src.Title,
		Publisher:      src.Publisher,
		ContentSummary: src.ContentSummary,
		Credibility:    src.Credibility,
		SupportsClaim:  src.SupportsClaim,
	}
}

func truncateRequest(s string) string {
	const max = 2000
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max]
	}
	return s
}
