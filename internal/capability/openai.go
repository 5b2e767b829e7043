package capability

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// LLMConfig configures the chat-completion backed capabilities.
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Timeout     time.Duration
	Temperature float32
}

// LLMClient implements ClaimAnalyzer, Evaluator, and VerdictSynthesizer on
// top of the OpenAI chat completions API.
type LLMClient struct {
	client *openai.Client
	cfg    LLMConfig
}

// NewLLMClient builds an LLM-backed capability client.
func NewLLMClient(cfg LLMConfig) (*LLMClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1500
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &LLMClient{client: openai.NewClientWithConfig(clientConfig), cfg: cfg}, nil
}

func (c *LLMClient) complete(ctx context.Context, capability, prompt string, image []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt}
	if len(image) > 0 {
		msg = openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
				}},
			},
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    []openai.ChatCompletionMessage{msg},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", classifyOpenAIErr(capability, err)
	}
	if len(resp.Choices) == 0 {
		return "", TransientErr(capability, fmt.Errorf("empty completion response"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// classifyOpenAIErr maps API failures onto the retry taxonomy: rate limits,
// upstream 5xx, and network timeouts retry; everything else is permanent.
func classifyOpenAIErr(capability string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return TransientErr(capability, err)
		}
		return PermanentErr(capability, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return TransientErr(capability, err)
	}
	return TransientErr(capability, err)
}

// cleanJSONResponse strips markdown code fences the model sometimes wraps
// around JSON output.
func cleanJSONResponse(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func decodeJSON(capability, text string, v any) error {
	if err := json.Unmarshal([]byte(cleanJSONResponse(text)), v); err != nil {
		// A malformed completion is not worth retrying with the same prompt.
		return PermanentErr(capability, fmt.Errorf("parsing model response: %w", err))
	}
	return nil
}

// Analyze implements ClaimAnalyzer.
func (c *LLMClient) Analyze(ctx context.Context, text string, image []byte) (Analysis, error) {
	if strings.TrimSpace(text) == "" {
		return Analysis{}, PermanentErr("claim_analyzer", fmt.Errorf("empty claim text"))
	}

	prompt := fmt.Sprintf(`You are an expert fact-checker. Analyze the following claim and respond with JSON only:
{
  "topics": ["primary topics or subject matter"],
  "subclaims": ["specific factual claims that can be independently verified"],
  "complexity": "low|medium|high",
  "summary": "one-sentence restatement of what must be verified"
}

Claim: %s`, text)

	out, err := c.complete(ctx, "claim_analyzer", prompt, image)
	if err != nil {
		return Analysis{}, err
	}
	var analysis Analysis
	if err := decodeJSON("claim_analyzer", out, &analysis); err != nil {
		return Analysis{}, err
	}
	if len(analysis.Subclaims) == 0 {
		analysis.Subclaims = []string{text}
	}
	return analysis, nil
}

// Score implements Evaluator.
func (c *LLMClient) Score(ctx context.Context, source EvidenceSource, claim string) (Evaluation, error) {
	prompt := fmt.Sprintf(`You are evaluating a source for a fact-check. Respond with JSON only:
{
  "credibility_score": 0.0,
  "supports_claim": true,
  "relevance_score": 0.0,
  "reasoning": "brief justification"
}
Scores are in [0,1].

Claim: %s

Source:
  URL: %s
  Title: %s
  Publisher: %s
  Content: %s`, claim, source.URL, source.Title, source.Publisher, truncate(source.ContentSummary, 4000))

	out, err := c.complete(ctx, "evaluator", prompt, nil)
	if err != nil {
		return Evaluation{}, err
	}
	var eval Evaluation
	if err := decodeJSON("evaluator", out, &eval); err != nil {
		return Evaluation{}, err
	}
	eval.Credibility = clamp01(eval.Credibility)
	eval.Relevance = clamp01(eval.Relevance)
	return eval, nil
}

// Synthesize implements the fact-check half of VerdictSynthesizer.
func (c *LLMClient) Synthesize(ctx context.Context, claim string, analysis Analysis, sources []EvidenceSource) (Verdict, error) {
	evidence, err := json.Marshal(sources)
	if err != nil {
		return Verdict{}, PermanentErr("verdict_synthesizer", fmt.Errorf("encoding evidence: %w", err))
	}

	prompt := fmt.Sprintf(`You are an expert fact-checker providing a final verdict on a claim.
Respond with JSON only:
{
  "verdict": "true|likely|uncertain|suspicious|false",
  "confidence_score": 0.0,
  "summary": "detailed explanation of the verdict, naming which sources support it",
  "supporting_evidence": ["specific evidence supporting the claim"],
  "contradicting_evidence": ["specific evidence contradicting the claim"]
}
confidence_score is in [0,1].

Claim: %s
Subclaims under review: %s
Evaluated sources: %s`, claim, strings.Join(analysis.Subclaims, "; "), truncate(string(evidence), 12000))

	out, err := c.complete(ctx, "verdict_synthesizer", prompt, nil)
	if err != nil {
		return Verdict{}, err
	}
	var verdict Verdict
	if err := decodeJSON("verdict_synthesizer", out, &verdict); err != nil {
		return Verdict{}, err
	}
	switch verdict.Verdict {
	case "true", "likely", "uncertain", "suspicious", "false":
	default:
		verdict.Verdict = "uncertain"
	}
	verdict.Confidence = clamp01(verdict.Confidence)
	return verdict, nil
}

// Research implements the research half of VerdictSynthesizer: a
// multi-section markdown report built from gathered notes.
func (c *LLMClient) Research(ctx context.Context, question string, notes []string) (Report, error) {
	prompt := fmt.Sprintf(`You are a research analyst. Using the notes below, write a thorough
markdown report answering the question. Use section headings (## Overview,
## Findings, ## Sources, ## Conclusion). After the report, on its own line,
write "SUMMARY:" followed by a two-sentence summary.

Question: %s

Notes:
%s`, question, truncate(strings.Join(notes, "\n---\n"), 12000))

	out, err := c.complete(ctx, "verdict_synthesizer", prompt, nil)
	if err != nil {
		return Report{}, err
	}

	report := Report{Markdown: out}
	if idx := strings.LastIndex(out, "SUMMARY:"); idx >= 0 {
		report.Markdown = strings.TrimSpace(out[:idx])
		report.Summary = strings.TrimSpace(out[idx+len("SUMMARY:"):])
	}
	if report.Summary == "" {
		report.Summary = truncate(report.Markdown, 300)
	}
	return report, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
