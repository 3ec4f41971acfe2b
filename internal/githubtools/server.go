package githubtools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Agent answers a natural language request. *Executor implements it.
type Agent interface {
	Execute(ctx context.Context, input string, history []HistoryMessage) (string, error)
}

type Server struct {
	tools  *Service
	agent  Agent
	logger *zap.Logger
}

func NewServer(tools *Service, agent Agent, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{tools: tools, agent: agent, logger: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/execute", s.execute)
	r.Get("/tools", s.listTools)
	r.Post("/tools/{name}", s.invokeTool)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

type executeRequest struct {
	Input       string           `json:"input"`
	ChatHistory []HistoryMessage `json:"chat_history"`
}

type executeResponse struct {
	Output string `json:"output"`
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}
	if s.agent == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "llm is not configured"})
		return
	}
	output, err := s.agent.Execute(r.Context(), req.Input, req.ChatHistory)
	if err != nil {
		s.logger.Error("github request failed", zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{Output: output})
}

type listToolsResponse struct {
	Tools []Tool `json:"tools"`
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listToolsResponse{Tools: s.tools.Tools()})
}

type invokeToolResponse struct {
	Tool       string `json:"tool"`
	Result     any    `json:"result"`
	DurationMS int64  `json:"duration_ms"`
}

// invokeTool runs one tool directly with the request body as arguments.
func (s *Server) invokeTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.tools.Lookup(name); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": (&UnknownToolError{Name: name}).Error()})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	start := time.Now()
	result, err := s.tools.Invoke(r.Context(), name, body)
	if err != nil {
		var argErr *ArgumentError
		if errors.As(err, &argErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, invokeToolResponse{Tool: name, Result: result, DurationMS: time.Since(start).Milliseconds()})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
