package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/veridex/veridex/internal/orchestrator"
	"github.com/veridex/veridex/internal/progress"
	"github.com/veridex/veridex/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
	Orch  SessionStarter
}

// SessionStarter abstracts the orchestrator surface the MCP layer needs.
type SessionStarter interface {
	StartSession(ctx context.Context, userInput string, image []byte, mode string) (storage.Session, error)
	Progress(sessionID string) (progress.Summary, error)
	Results(sessionID string) (orchestrator.ResultsPayload, error)
}

// NewMCPServer creates an MCP server exposing claim analysis as tools, so
// an LLM client can submit claims and poll their outcome.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"veridex",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("veridex — asynchronous fact-checking: submit a claim, then poll its status until a verdict is ready."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_claim",
			mcp.WithDescription("Submit a claim for asynchronous fact-checking or a question for research. Returns a session id to poll."),
			mcp.WithString("text", mcp.Description("The claim or question to analyze"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("Analysis mode: fact_check (default) or research")),
		),
		mcpSubmitClaim(deps),
	)

	s.AddTool(
		mcp.NewTool("get_status",
			mcp.WithDescription("Get the live progress of an analysis session."),
			mcp.WithString("session_id", mcp.Description("Session id returned by submit_claim"), mcp.Required()),
		),
		mcpGetStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("get_results",
			mcp.WithDescription("Get the final verdict and evidence of a completed analysis session."),
			mcp.WithString("session_id", mcp.Description("Session id returned by submit_claim"), mcp.Required()),
		),
		mcpGetResults(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"sessions://recent",
			"Recent Sessions",
			mcp.WithResourceDescription("Last 10 analysis sessions (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSubmitClaim(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		mode := req.GetString("mode", storage.ModeFactCheck)

		sess, err := deps.Orch.StartSession(ctx, text, nil, mode)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start analysis: %v", err)), nil
		}

		b, err := json.Marshal(map[string]string{
			"session_id": sess.ID,
			"status":     sess.Status,
			"mode":       sess.Mode,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		sum, err := deps.Orch.Progress(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get status: %v", err)), nil
		}

		b, err := json.Marshal(sum)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetResults(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		sess, err := deps.Store.GetSession(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get session: %v", err)), nil
		}
		if !sess.Terminal() {
			return mcpError(fmt.Sprintf("analysis still in progress (status %s); poll get_status", sess.Status)), nil
		}

		results, err := deps.Orch.Results(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to assemble results: %v", err)), nil
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sessions, err := deps.Store.ListSessions(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}

		type sessionSummary struct {
			ID        string `json:"id"`
			Mode      string `json:"mode"`
			Status    string `json:"status"`
			UserInput string `json:"user_input"`
			CreatedAt string `json:"created_at"`
		}

		out := make([]sessionSummary, len(sessions))
		for i, sess := range sessions {
			input := sess.UserInput
			if len(input) > 200 {
				input = input[:200]
			}
			out[i] = sessionSummary{
				ID:        sess.ID,
				Mode:      sess.Mode,
				Status:    sess.Status,
				UserInput: input,
				CreatedAt: sess.CreatedAt.Format("2006-01-02 15:04:05"),
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sessions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
