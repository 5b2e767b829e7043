// Package api exposes the analysis service over HTTP: session submission
// and inspection, a server-sent-events progress stream, and the MCP tool
// surface.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veridex/veridex/internal/hub"
	"github.com/veridex/veridex/internal/orchestrator"
	"github.com/veridex/veridex/internal/storage"
)

const maxSubmitBodySize = 10 << 20 // 10MB, leaves room for an attached image

type SubmitRequest struct {
	UserInput string `json:"user_input"`
	Mode      string `json:"mode"`
	Image     string `json:"image"` // optional, base64
}

type AppDeps struct {
	Store *storage.Store
	Orch  *orchestrator.Orchestrator
	Hub   *hub.Hub
	Token string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/sessions", handleSubmit(deps))
		r.Get("/sessions", handleListSessions(deps))
		r.Get("/sessions/{id}/status", handleStatus(deps))
		r.Get("/sessions/{id}/results", handleResults(deps))
		r.Get("/sessions/{id}/steps", handleListSteps(deps))
		r.Get("/sessions/{id}/stream", handleStream(deps))
		r.Delete("/sessions/{id}", handleDeleteSession(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if err := deps.Store.Ping(); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}

func handleSubmit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBodySize)
		defer r.Body.Close()

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var image []byte
		if req.Image != "" {
			decoded, err := base64.StdEncoding.DecodeString(req.Image)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "image is not valid base64: %v", err)
				return
			}
			image = decoded
		}

		sess, err := deps.Orch.StartSession(r.Context(), req.UserInput, image, req.Mode)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"session_id": sess.ID,
			"status":     sess.Status,
			"mode":       sess.Mode,
		})
	}
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		sum, err := deps.Orch.Progress(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute progress: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sum)
	}
}

func handleResults(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		sess, err := deps.Store.GetSession(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get session: %v", err)
			return
		}
		if !sess.Terminal() {
			httpError(w, http.StatusConflict, "invalid_request_error", "analysis still in progress")
			return
		}

		results, err := deps.Orch.Results(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to assemble results: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}
}

type stepResponse struct {
	Number      int        `json:"step_number"`
	Kind        string     `json:"step_type"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func handleListSteps(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetSession(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "session not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get session: %v", err)
			return
		}

		steps, err := deps.Store.ListSteps(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list steps: %v", err)
			return
		}

		out := make([]stepResponse, 0, len(steps))
		for _, st := range steps {
			resp := stepResponse{
				Number:      st.Number,
				Kind:        st.Kind,
				Description: st.Description,
				Status:      st.Status,
				Error:       st.ErrorMessage,
				StartedAt:   st.StartedAt,
				CompletedAt: st.CompletedAt,
			}
			if st.ResultJSON != "" {
				resp.Result = json.RawMessage(st.ResultJSON)
			}
			out = append(out, resp)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

type sessionResponse struct {
	SessionID   string     `json:"session_id"`
	Mode        string     `json:"mode"`
	Status      string     `json:"status"`
	UserInput   string     `json:"user_input"`
	Verdict     *string    `json:"verdict,omitempty"`
	Confidence  *float64   `json:"confidence,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		sessions, err := deps.Store.ListSessions(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
			return
		}

		out := make([]sessionResponse, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, sessionView(sess))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleDeleteSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteSession(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete session: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func sessionView(sess storage.Session) sessionResponse {
	return sessionResponse{
		SessionID:   sess.ID,
		Mode:        sess.Mode,
		Status:      sess.Status,
		UserInput:   sess.UserInput,
		Verdict:     sess.Verdict,
		Confidence:  sess.Confidence,
		Summary:     sess.Summary,
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.UpdatedAt,
		CompletedAt: sess.CompletedAt,
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
