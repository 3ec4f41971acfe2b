package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/anchor"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/modules"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/runner"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store"
)

type Server struct {
	store     store.Store
	broker    Broker
	publisher *events.Publisher
	runner    Runner
	workflows WorkflowService
	anchor    AnchorClient
	metrics   http.Handler
	cfg       config.Config
	logger    *zap.Logger

	runCtx     context.Context
	cancelRuns context.CancelFunc
	inflight   sync.WaitGroup

	inlineMu   sync.Mutex
	inlineRuns map[string]context.CancelFunc
}

type Broker interface {
	Publish(event events.RunEvent)
	Subscribe(ctx context.Context, runID string) <-chan events.RunEvent
}

// Runner executes a test run. *runner.Runner implements it.
type Runner interface {
	Run(ctx context.Context, job runner.Job) (modules.TestRunResult, error)
}

type WorkflowService interface {
	StartTestRun(ctx context.Context, runID string, request json.RawMessage) error
	CancelTestRun(ctx context.Context, runID string) error
}

type AnchorClient interface {
	CreateSession(ctx context.Context, opts anchor.SessionOptions) (anchor.Session, error)
	RecordingURL(ctx context.Context, anchorSessionID string) (string, error)
}

type Option func(*Server)

func WithAnchor(client AnchorClient) Option {
	return func(s *Server) {
		s.anchor = client
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer wires the HTTP surface. A nil workflows runs async test runs
// in-process.
func NewServer(store store.Store, broker Broker, runner Runner, workflows WorkflowService, cfg config.Config, opts ...Option) *Server {
	runCtx, cancelRuns := context.WithCancel(context.Background())
	s := &Server{
		store:      store,
		broker:     broker,
		runner:     runner,
		workflows:  workflows,
		cfg:        cfg,
		logger:     zap.NewNop(),
		runCtx:     runCtx,
		cancelRuns: cancelRuns,
		inlineRuns: make(map[string]context.CancelFunc),
	}
	s.publisher = events.NewPublisher(store, broker)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Post("/test-modules", s.testModules)
	r.Post("/test-runs", s.createTestRun)
	r.Get("/test-runs", s.listTestRuns)
	r.Get("/test-runs/{id}", s.getTestRun)
	r.Delete("/test-runs/{id}", s.deleteTestRun)
	r.Get("/test-runs/{id}/steps", s.listRunSteps)
	r.Put("/test-runs/{id}/result", s.saveTestRunResult)
	r.Post("/test-runs/{id}/events", s.ingestEvent)
	r.Get("/test-runs/{id}/events", s.streamEvents)
	r.Post("/browser/sessions", s.createBrowserSession)
	r.Get("/browser/sessions/{id}/recording", s.getRecording)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	return r
}

func (s *Server) quietRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodPost && strings.HasSuffix(cleanPath, "/events") {
		return true
	}
	if method == http.MethodGet && strings.HasSuffix(cleanPath, "/events") {
		return true
	}
	if method == http.MethodGet && (cleanPath == "/test-runs" || cleanPath == "/metrics" || cleanPath == "/health") {
		return true
	}
	return method == http.MethodOptions
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if err := s.pingStore(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	if s.workflows == nil {
		subsystems["workflows"] = subsystemStatus{Status: "skipped"}
	} else {
		subsystems["workflows"] = subsystemStatus{Status: "ok"}
	}
	if s.anchor == nil {
		subsystems["anchor"] = subsystemStatus{Status: "skipped"}
	} else {
		subsystems["anchor"] = subsystemStatus{Status: "ok"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func (s *Server) pingStore(ctx context.Context) error {
	if pinger, ok := s.store.(store.Pinger); ok {
		return pinger.Ping(ctx)
	}
	_, err := s.store.ListTestRuns(ctx)
	return err
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeDetail(w http.ResponseWriter, detail string, statusCode int) {
	writeJSONStatus(w, map[string]string{"detail": detail}, statusCode)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Run-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves until ctx is done, then stops accepting requests, cancels
// in-process test runs and waits for them to record their outcome.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.cancelRuns()
	}()
	err := server.ListenAndServe()
	s.inflight.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
