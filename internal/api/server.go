// Package api implements the Parley HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/memory"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	loop     *agent.Loop
	sessions *agent.Manager
	store    memory.Store
	logger   *slog.Logger
	server   *http.Server
	metrics  http.Handler
	watch    *connwatch.Manager
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop *agent.Loop, sessions *agent.Manager, store memory.Store, logger *slog.Logger) *Server {
	return &Server{
		address:  address,
		port:     port,
		loop:     loop,
		sessions: sessions,
		store:    store,
		logger:   logger,
	}
}

// SetMetricsHandler exposes h on GET /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// SetProviderWatch reports provider reachability from w on /health.
func (s *Server) SetProviderWatch(w *connwatch.Manager) {
	s.watch = w
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)

	// History endpoints
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("GET /v1/conversations/{id}/tools", s.handleToolCalls)
	mux.HandleFunc("POST /v1/session/reset", s.handleSessionReset)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second, // two completions plus tools
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Parley",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "healthy",
		"sessions": s.sessions.Len(),
	}
	if st, ok := s.store.(interface{ Stats() map[string]any }); ok {
		body["store"] = st.Stats()
	}
	code := http.StatusOK
	if s.watch != nil {
		body["providers"] = s.watch.Statuses()
		if !s.watch.Ready() {
			// Turns still run; they fall back until the provider returns.
			body["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, body, s.logger)
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`

	// Optional per-turn overrides.
	Temperature  *float64 `json:"temperature,omitempty"`
	SystemPrompt *string  `json:"system_prompt,omitempty"`
}

// ChatResponse is the reply to POST /v1/chat.
type ChatResponse struct {
	Response       string         `json:"response"`
	Model          string         `json:"model,omitempty"`
	ConversationID string         `json:"conversation_id"`
	Branch         string         `json:"branch"`
	ToolCalls      []ToolCallInfo `json:"tool_calls,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// ToolCallInfo summarizes one invocation made during a turn.
type ToolCallInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newChatResponse(convID string, reply *agent.Reply) ChatResponse {
	resp := ChatResponse{
		Response:       reply.Content,
		Model:          reply.Model,
		ConversationID: convID,
		Branch:         reply.Branch.String(),
	}
	if reply.Err != nil {
		resp.Error = reply.Err.Error()
	}
	for _, tc := range reply.ToolCalls {
		info := ToolCallInfo{ID: tc.ID, Name: tc.Name, Result: tc.Result}
		if tc.Err != nil {
			info.Error = tc.Err.Error()
		}
		resp.ToolCalls = append(resp.ToolCalls, info)
	}
	return resp
}

func validTemperature(t *float64) bool {
	return t == nil || (*t >= 0 && *t <= 1)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if !validTemperature(req.Temperature) {
		s.errorResponse(w, http.StatusBadRequest, "temperature must be between 0 and 1")
		return
	}

	sess := s.sessions.Open(req.ConversationID)
	reply, err := s.loop.ProcessWithOptions(r.Context(), sess, req.Message, agent.TurnOptions{
		Temperature:  req.Temperature,
		SystemPrompt: req.SystemPrompt,
	})
	s.sessions.Release(sess)
	if errors.Is(err, agent.ErrSessionClosed) {
		s.errorResponse(w, http.StatusConflict, "session was reset; retry the request")
		return
	}
	if err != nil {
		s.logger.Error("chat turn failed", "conversation", sess.ID(), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "turn failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, newChatResponse(sess.ID(), reply), s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turns, err := s.store.Turns(r.Context(), id)
	if err != nil {
		s.logger.Error("history lookup failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	if len(turns) == 0 {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}

	if r.URL.Query().Get("format") == "html" {
		page, err := renderHistoryHTML(id, turns)
		if err != nil {
			s.logger.Error("history render failed", "conversation", id, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "render failed")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(page); err != nil {
			s.logger.Debug("failed to write HTML response", "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation_id": id,
		"turns":           turns,
	}, s.logger)
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	recorder, ok := s.store.(memory.ToolCallRecorder)
	if !ok {
		s.errorResponse(w, http.StatusNotImplemented, "tool call log requires sqlite storage")
		return
	}

	id := r.PathValue("id")
	calls, err := recorder.ToolCalls(r.Context(), id, parseIntParam(r, "limit", 50))
	if err != nil {
		s.logger.Error("tool call lookup failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "tool call lookup failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tool_calls": calls,
		"count":      len(calls),
	}, s.logger)
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ConversationID == "" {
		s.errorResponse(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	if err := s.sessions.End(r.Context(), req.ConversationID); err != nil {
		s.logger.Error("session reset failed", "conversation", req.ConversationID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "reset failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok", "message": "conversation cleared"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
