package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/veridex/veridex/internal/orchestrator"
	"github.com/veridex/veridex/internal/progress"
	"github.com/veridex/veridex/internal/storage"
)

// --- mocks ---

type mockStarter struct {
	startFn    func(ctx context.Context, userInput string, image []byte, mode string) (storage.Session, error)
	progressFn func(sessionID string) (progress.Summary, error)
	resultsFn  func(sessionID string) (orchestrator.ResultsPayload, error)
}

func (m *mockStarter) StartSession(ctx context.Context, userInput string, image []byte, mode string) (storage.Session, error) {
	if m.startFn != nil {
		return m.startFn(ctx, userInput, image, mode)
	}
	return storage.Session{ID: "sess-1", Status: storage.SessionPending, Mode: mode}, nil
}

func (m *mockStarter) Progress(sessionID string) (progress.Summary, error) {
	if m.progressFn != nil {
		return m.progressFn(sessionID)
	}
	return progress.Summary{SessionID: sessionID, Status: storage.SessionAnalyzing, TotalSteps: 5}, nil
}

func (m *mockStarter) Results(sessionID string) (orchestrator.ResultsPayload, error) {
	if m.resultsFn != nil {
		return m.resultsFn(sessionID)
	}
	return orchestrator.ResultsPayload{SessionID: sessionID, Status: storage.SessionCompleted}, nil
}

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return MCPDeps{Store: store, Orch: &mockStarter{}}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_SubmitClaim(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSubmitClaim(deps)

	req := makeCallToolRequest("submit_claim", map[string]interface{}{
		"text": "the moon landing happened in 1969",
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var resp map[string]string
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp["session_id"] != "sess-1" || resp["status"] != storage.SessionPending {
		t.Errorf("response = %v", resp)
	}
	if resp["mode"] != storage.ModeFactCheck {
		t.Errorf("mode = %q, want the fact_check default", resp["mode"])
	}
}

func TestMCPTool_SubmitClaim_MissingText(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSubmitClaim(deps)

	result, err := handler(context.Background(), makeCallToolRequest("submit_claim", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing text")
	}
}

func TestMCPTool_SubmitClaim_StartFailure(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Orch = &mockStarter{
		startFn: func(context.Context, string, []byte, string) (storage.Session, error) {
			return storage.Session{}, errors.New("unknown analysis mode")
		},
	}
	handler := mcpSubmitClaim(deps)

	result, err := handler(context.Background(), makeCallToolRequest("submit_claim", map[string]interface{}{
		"text": "claim",
		"mode": "vibes",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if !strings.Contains(toolText(t, result), "unknown analysis mode") {
		t.Errorf("error text = %q", toolText(t, result))
	}
}

func TestMCPTool_GetStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpGetStatus(deps)

	result, err := handler(context.Background(), makeCallToolRequest("get_status", map[string]interface{}{
		"session_id": "sess-1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var sum progress.Summary
	if err := json.Unmarshal([]byte(toolText(t, result)), &sum); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if sum.SessionID != "sess-1" || sum.TotalSteps != 5 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestMCPTool_GetResults_InProgress(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	created, err := store.CreateSession("claim", nil, storage.ModeFactCheck)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	handler := mcpGetResults(deps)
	result, err := handler(context.Background(), makeCallToolRequest("get_results", map[string]interface{}{
		"session_id": created.ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error while in progress")
	}
	if !strings.Contains(toolText(t, result), "get_status") {
		t.Errorf("error should point the caller at get_status, got %q", toolText(t, result))
	}
}

func TestMCPTool_GetResults_Completed(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	created, err := store.CreateSession("claim", nil, storage.ModeFactCheck)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	if _, err := store.TransitionSession(created.ID, storage.SessionAnalyzing, storage.SessionUpdate{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	verdict := storage.VerdictTrue
	if _, err := store.TransitionSession(created.ID, storage.SessionCompleted, storage.SessionUpdate{Verdict: &verdict}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	deps.Orch = &mockStarter{
		resultsFn: func(id string) (orchestrator.ResultsPayload, error) {
			return orchestrator.ResultsPayload{SessionID: id, Status: storage.SessionCompleted, Verdict: &verdict}, nil
		},
	}
	handler := mcpGetResults(deps)

	result, err := handler(context.Background(), makeCallToolRequest("get_results", map[string]interface{}{
		"session_id": created.ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var payload orchestrator.ResultsPayload
	if err := json.Unmarshal([]byte(toolText(t, result)), &payload); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if payload.Verdict == nil || *payload.Verdict != storage.VerdictTrue {
		t.Errorf("verdict = %v", payload.Verdict)
	}
}

func TestMCPResource_RecentSessions(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	longInput := strings.Repeat("a", 300)
	if _, err := store.CreateSession(longInput, nil, storage.ModeFactCheck); err != nil {
		t.Fatalf("creating session: %v", err)
	}

	handler := mcpResourceRecent(deps)
	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "sessions://recent"}}
	contents, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(contents))
	}

	trc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var sessions []struct {
		ID        string `json:"id"`
		UserInput string `json:"user_input"`
	}
	if err := json.Unmarshal([]byte(trc.Text), &sessions); err != nil {
		t.Fatalf("parsing resource: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if len(sessions[0].UserInput) != 200 {
		t.Errorf("input not truncated, len = %d", len(sessions[0].UserInput))
	}
}
