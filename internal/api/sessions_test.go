package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veridex/veridex/internal/capability"
	"github.com/veridex/veridex/internal/hub"
	"github.com/veridex/veridex/internal/orchestrator"
	"github.com/veridex/veridex/internal/registry"
	"github.com/veridex/veridex/internal/storage"
)

// happyCaps is a capability set that always succeeds.
type happyCaps struct{}

func (happyCaps) Analyze(ctx context.Context, text string, image []byte) (capability.Analysis, error) {
	return capability.Analysis{Topics: []string{"science"}, Subclaims: []string{"water boils at 100c at sea level"}}, nil
}

func (happyCaps) Search(ctx context.Context, query, kind string) ([]capability.SearchResult, error) {
	return []capability.SearchResult{{URL: "https://example.org/" + kind, Title: "Reference (" + kind + ")"}}, nil
}

func (happyCaps) Fetch(ctx context.Context, url string) (capability.PageContent, error) {
	return capability.PageContent{Title: "Reference", Text: "at one atmosphere water boils at 100 degrees celsius"}, nil
}

func (happyCaps) Score(ctx context.Context, src capability.EvidenceSource, claim string) (capability.Evaluation, error) {
	return capability.Evaluation{Credibility: 0.95, SupportsClaim: true, Relevance: 0.9}, nil
}

func (happyCaps) Synthesize(ctx context.Context, claim string, analysis capability.Analysis, sources []capability.EvidenceSource) (capability.Verdict, error) {
	return capability.Verdict{Verdict: storage.VerdictTrue, Confidence: 0.97, Summary: "basic physics"}, nil
}

func (happyCaps) Research(ctx context.Context, question string, notes []string) (capability.Report, error) {
	return capability.Report{Markdown: "# Report", Summary: "short"}, nil
}

// recordQueue collects scheduled steps so tests decide when they run.
type recordQueue struct {
	mu      sync.Mutex
	pending []orchestrator.RunStepPayload
}

func (q *recordQueue) Enqueue(sessionID string, stepNumber int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, orchestrator.RunStepPayload{SessionID: sessionID, StepNumber: stepNumber})
	return nil
}

func (q *recordQueue) pop() (orchestrator.RunStepPayload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return orchestrator.RunStepPayload{}, false
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return job, true
}

type apiEnv struct {
	server *httptest.Server
	store  *storage.Store
	orch   *orchestrator.Orchestrator
	queue  *recordQueue
	token  string
}

func newAPIEnv(t *testing.T, token string) *apiEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	caps := capability.Set{
		Analyzer:    happyCaps{},
		Finder:      happyCaps{},
		Extractor:   happyCaps{},
		Evaluator:   happyCaps{},
		Synthesizer: happyCaps{},
	}
	queue := &recordQueue{}
	exec := orchestrator.NewExecutor(store, caps, 3, time.Millisecond, slog.Default())

	var orch *orchestrator.Orchestrator
	events := hub.New(func(ctx context.Context, sessionID string) (hub.Event, error) {
		return orch.Snapshot(ctx, sessionID)
	}, 64)
	orch = orchestrator.New(store, registry.New(), queue, exec, events, slog.Default())

	handler := NewAppHandler(AppDeps{Store: store, Orch: orch, Hub: events, Token: token})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &apiEnv{server: server, store: store, orch: orch, queue: queue, token: token}
}

// runToCompletion drains the queued steps for every scheduled session.
func (e *apiEnv) runToCompletion(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		job, ok := e.queue.pop()
		if !ok {
			return
		}
		if err := e.orch.RunNextStep(context.Background(), job.SessionID, job.StepNumber); err != nil {
			t.Fatalf("RunNextStep: %v", err)
		}
	}
	t.Fatal("steps did not drain")
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func (e *apiEnv) submit(t *testing.T, input, mode string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/sessions", SubmitRequest{UserInput: input, Mode: mode})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	created := decodeBody[map[string]string](t, resp)
	if created["session_id"] == "" {
		t.Fatal("submit returned no session_id")
	}
	return created["session_id"]
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t, "")

	resp := env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Errorf("health = %q, want ok", body["status"])
	}
}

func TestSubmit(t *testing.T) {
	env := newAPIEnv(t, "")

	resp := env.do(t, http.MethodPost, "/sessions", SubmitRequest{UserInput: "water boils at 100c", Mode: "fact_check"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	created := decodeBody[map[string]string](t, resp)
	if created["status"] != storage.SessionPending || created["mode"] != storage.ModeFactCheck {
		t.Errorf("created = %v", created)
	}

	// First step scheduled immediately.
	if job, ok := env.queue.pop(); !ok || job.StepNumber != 1 {
		t.Errorf("first step not scheduled, got %+v", job)
	}
}

func TestSubmit_DefaultsMode(t *testing.T) {
	env := newAPIEnv(t, "")

	resp := env.do(t, http.MethodPost, "/sessions", SubmitRequest{UserInput: "some claim"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	created := decodeBody[map[string]string](t, resp)
	if created["mode"] != storage.ModeFactCheck {
		t.Errorf("mode = %q, want fact_check", created["mode"])
	}
}

func TestSubmit_Invalid(t *testing.T) {
	env := newAPIEnv(t, "")

	cases := []struct {
		name string
		body any
	}{
		{"empty input", SubmitRequest{UserInput: "   "}},
		{"unknown mode", SubmitRequest{UserInput: "claim", Mode: "vibes"}},
		{"bad image", SubmitRequest{UserInput: "claim", Image: "%%%not-base64%%%"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/sessions", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			body := decodeBody[map[string]map[string]string](t, resp)
			if body["error"]["type"] != "invalid_request_error" {
				t.Errorf("error type = %q", body["error"]["type"])
			}
		})
	}
}

func TestSubmit_MalformedJSON(t *testing.T) {
	env := newAPIEnv(t, "")

	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/sessions", strings.NewReader("{nope"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	env := newAPIEnv(t, "")
	id := env.submit(t, "water boils at 100c", "fact_check")

	resp := env.do(t, http.MethodGet, "/sessions/"+id+"/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var sum struct {
		SessionID  string  `json:"session_id"`
		Status     string  `json:"status"`
		Percentage float64 `json:"progress_percentage"`
		TotalSteps int     `json:"total_steps"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if sum.SessionID != id || sum.Status != storage.SessionPending || sum.TotalSteps != 5 {
		t.Errorf("summary = %+v", sum)
	}

	if resp := env.do(t, http.MethodGet, "/sessions/nope/status", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestResults(t *testing.T) {
	env := newAPIEnv(t, "")
	id := env.submit(t, "water boils at 100c", "fact_check")

	// Still running.
	resp := env.do(t, http.MethodGet, "/sessions/"+id+"/results", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("in-progress results status = %d, want 409", resp.StatusCode)
	}

	env.runToCompletion(t)

	resp = env.do(t, http.MethodGet, "/sessions/"+id+"/results", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("results status = %d", resp.StatusCode)
	}
	var results struct {
		SessionID string  `json:"session_id"`
		Status    string  `json:"status"`
		Verdict   *string `json:"verdict"`
		Sources   []struct {
			URL string `json:"url"`
		} `json:"sources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if results.Status != storage.SessionCompleted {
		t.Errorf("results status = %q", results.Status)
	}
	if results.Verdict == nil || *results.Verdict != storage.VerdictTrue {
		t.Errorf("verdict = %v", results.Verdict)
	}
	if len(results.Sources) == 0 {
		t.Error("results carry no sources")
	}

	if resp := env.do(t, http.MethodGet, "/sessions/nope/results", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session results = %d, want 404", resp.StatusCode)
	}
}

func TestListSteps(t *testing.T) {
	env := newAPIEnv(t, "")
	id := env.submit(t, "water boils at 100c", "fact_check")
	env.runToCompletion(t)

	resp := env.do(t, http.MethodGet, "/sessions/"+id+"/steps", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var steps []struct {
		Number int             `json:"step_number"`
		Kind   string          `json:"step_type"`
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&steps); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(steps) != 5 {
		t.Fatalf("got %d steps, want 5", len(steps))
	}
	for i, st := range steps {
		if st.Number != i+1 {
			t.Errorf("step %d has number %d", i, st.Number)
		}
		if st.Status != storage.StepCompleted {
			t.Errorf("step %d status = %q", st.Number, st.Status)
		}
		if len(st.Result) == 0 {
			t.Errorf("step %d missing result payload", st.Number)
		}
	}

	if resp := env.do(t, http.MethodGet, "/sessions/nope/steps", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session steps = %d, want 404", resp.StatusCode)
	}
}

func TestListSessions(t *testing.T) {
	env := newAPIEnv(t, "")
	env.submit(t, "first claim", "fact_check")
	env.submit(t, "second claim", "research")

	resp := env.do(t, http.MethodGet, "/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	sessions := decodeBody[[]sessionResponse](t, resp)
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}

	resp = env.do(t, http.MethodGet, "/sessions?limit=1", nil)
	if got := decodeBody[[]sessionResponse](t, resp); len(got) != 1 {
		t.Errorf("limit=1 returned %d sessions", len(got))
	}
}

func TestDeleteSession(t *testing.T) {
	env := newAPIEnv(t, "")
	id := env.submit(t, "some claim", "fact_check")

	resp := env.do(t, http.MethodDelete, "/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["status"] != "deleted" {
		t.Errorf("body = %v", body)
	}

	if resp := env.do(t, http.MethodDelete, "/sessions/"+id, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", resp.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	env := newAPIEnv(t, "secret-token")

	// Health stays open.
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unauthenticated health = %d, want 200", resp.StatusCode)
	}

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-token", http.StatusUnauthorized},
		{"wrong token", "Bearer other-token", http.StatusUnauthorized},
		{"valid token", "Bearer secret-token", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/sessions", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestStream(t *testing.T) {
	env := newAPIEnv(t, "")
	id := env.submit(t, "water boils at 100c", "fact_check")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/sessions/"+id+"/stream", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	// Run the pipeline while the stream is open so live events follow the
	// snapshot.
	drainErr := make(chan error, 1)
	go func() {
		for {
			job, ok := env.queue.pop()
			if !ok {
				drainErr <- nil
				return
			}
			if err := env.orch.RunNextStep(context.Background(), job.SessionID, job.StepNumber); err != nil {
				drainErr <- err
				return
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var types []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
		if len(types) > 0 && types[len(types)-1] == hub.EventAnalysisComplete {
			break
		}
	}

	if err := <-drainErr; err != nil {
		t.Fatalf("running pipeline: %v", err)
	}
	if len(types) == 0 || types[0] != hub.EventInitialStatus {
		t.Fatalf("event types = %v, want initial_status first", types)
	}
	if types[len(types)-1] != hub.EventAnalysisComplete {
		t.Errorf("event types = %v, want analysis_complete last", types)
	}
}

func TestStream_UnknownSession(t *testing.T) {
	env := newAPIEnv(t, "")

	resp := env.do(t, http.MethodGet, "/sessions/nope/stream", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
