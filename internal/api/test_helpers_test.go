package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/anchor"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/config"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/modules"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/runner"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateTestRun(ctx context.Context, run store.TestRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockStore) GetTestRun(ctx context.Context, runID string) (*store.TestRun, error) {
	args := m.Called(ctx, runID)
	if value := args.Get(0); value != nil {
		return value.(*store.TestRun), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) ListTestRuns(ctx context.Context) ([]store.TestRun, error) {
	args := m.Called(ctx)
	var result []store.TestRun
	if value := args.Get(0); value != nil {
		result = value.([]store.TestRun)
	}
	return result, args.Error(1)
}

func (m *MockStore) SaveTestRunResult(ctx context.Context, runID string, result json.RawMessage) error {
	args := m.Called(ctx, runID, result)
	return args.Error(0)
}

func (m *MockStore) DeleteTestRun(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *MockStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	args := m.Called(ctx, runID, afterSeq)
	var result []store.RunEvent
	if value := args.Get(0); value != nil {
		result = value.([]store.RunEvent)
	}
	return result, args.Error(1)
}

func (m *MockStore) ListRunSteps(ctx context.Context, runID string) ([]store.RunStep, error) {
	args := m.Called(ctx, runID)
	var result []store.RunStep
	if value := args.Get(0); value != nil {
		result = value.([]store.RunStep)
	}
	return result, args.Error(1)
}

func (m *MockStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(int64), args.Error(1)
}

type MockPingStore struct {
	MockStore
}

func (m *MockPingStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Publish(event events.RunEvent) {
	m.Called(event)
}

func (m *MockBroker) Subscribe(ctx context.Context, runID string) <-chan events.RunEvent {
	args := m.Called(ctx, runID)
	if value := args.Get(0); value != nil {
		if ch, ok := value.(chan events.RunEvent); ok {
			return ch
		}
		if ch, ok := value.(<-chan events.RunEvent); ok {
			return ch
		}
	}
	return nil
}

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, job runner.Job) (modules.TestRunResult, error) {
	args := m.Called(ctx, job)
	var result modules.TestRunResult
	if value := args.Get(0); value != nil {
		result = value.(modules.TestRunResult)
	}
	return result, args.Error(1)
}

type MockWorkflowService struct {
	mock.Mock
}

func (m *MockWorkflowService) StartTestRun(ctx context.Context, runID string, request json.RawMessage) error {
	args := m.Called(ctx, runID, request)
	return args.Error(0)
}

func (m *MockWorkflowService) CancelTestRun(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

type MockAnchor struct {
	mock.Mock
}

func (m *MockAnchor) CreateSession(ctx context.Context, opts anchor.SessionOptions) (anchor.Session, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).(anchor.Session), args.Error(1)
}

func (m *MockAnchor) RecordingURL(ctx context.Context, anchorSessionID string) (string, error) {
	args := m.Called(ctx, anchorSessionID)
	return args.String(0), args.Error(1)
}

func singleResult(module string, sub modules.Submodule, approved bool) modules.TestRunResult {
	return modules.TestRunResult{Modules: []modules.Module{{
		Title:      module,
		Submodules: []modules.Submodule{sub.WithVerdict(approved)},
	}}}
}

// echoVerdicts annotates every submodule of req, keeping passthrough keys.
func echoVerdicts(req modules.TestRunRequest, approved bool) modules.TestRunResult {
	result := modules.TestRunResult{Modules: make([]modules.Module, 0, len(req.Modules))}
	for _, module := range req.Modules {
		subs := make([]modules.Submodule, 0, len(module.Submodules))
		for _, sub := range module.Submodules {
			subs = append(subs, sub.WithVerdict(approved))
		}
		result.Modules = append(result.Modules, module.WithSubmodules(subs))
	}
	return result
}

// blockingRunner holds a run open until its context ends.
type blockingRunner struct {
	started chan string
	stopped chan error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 1), stopped: make(chan error, 1)}
}

func (b *blockingRunner) Run(ctx context.Context, job runner.Job) (modules.TestRunResult, error) {
	b.started <- job.RunID
	<-ctx.Done()
	b.stopped <- ctx.Err()
	return modules.TestRunResult{}, ctx.Err()
}

func newTestServer(t *testing.T, store store.Store, broker Broker, runner Runner, workflows WorkflowService, cfg config.Config, opts ...Option) *httptest.Server {
	t.Helper()
	server := NewServer(store, broker, runner, workflows, cfg, opts...)
	return httptest.NewServer(server.Router())
}

type noFlushWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (w *noFlushWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *noFlushWriter) WriteHeader(status int) {
	w.status = status
}

func (w *noFlushWriter) Write(data []byte) (int, error) {
	return w.body.Write(data)
}

type bufferWriter struct {
	*bufio.Writer
	header http.Header
}

func (w *bufferWriter) Header() http.Header {
	return w.header
}

func (w *bufferWriter) WriteHeader(statusCode int) {
}
