package workflows

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/modules"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/runner"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store"
)

// Executor runs a test run to completion. *runner.Runner satisfies it.
type Executor interface {
	Run(ctx context.Context, job runner.Job) (modules.TestRunResult, error)
}

// EventPoster reports run events and results to the verifier service and
// falls back to the local store when the service is unreachable.
type EventPoster struct {
	store          store.Store
	verifierURL    string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *zap.Logger
}

func NewEventPoster(s store.Store, verifierURL string, logger *zap.Logger) *EventPoster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPoster{
		store:          s,
		verifierURL:    strings.TrimRight(verifierURL, "/"),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		requestTimeout: 10 * time.Second,
		logger:         logger,
	}
}

func (p *EventPoster) Emit(ctx context.Context, runID string, eventType string, source string, payload map[string]any) error {
	err := p.post(ctx, http.MethodPost, fmt.Sprintf("/test-runs/%s/events", runID), map[string]any{
		"type":      eventType,
		"source":    source,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"trace_id":  uuid.New().String(),
		"payload":   payload,
	})
	if err == nil {
		return nil
	}
	p.logger.Debug("post run event failed, appending locally", zap.String("run_id", runID), zap.String("type", eventType), zap.Error(err))
	return p.appendLocalEvent(ctx, runID, eventType, source, payload)
}

func (p *EventPoster) SaveResult(ctx context.Context, runID string, result modules.TestRunResult) error {
	if err := p.post(ctx, http.MethodPut, fmt.Sprintf("/test-runs/%s/result", runID), result); err == nil {
		return nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if p.store == nil {
		return errors.New("no store configured for run results")
	}
	return p.store.SaveTestRunResult(ctx, runID, encoded)
}

func (p *EventPoster) appendLocalEvent(ctx context.Context, runID string, eventType string, source string, payload map[string]any) error {
	if p.store == nil {
		return errors.New("no store configured for run events")
	}
	return events.NewPublisher(p.store, nil).Emit(ctx, runID, eventType, source, payload)
}

func (p *EventPoster) post(ctx context.Context, method string, path string, body any) error {
	if p.verifierURL == "" {
		return errors.New("verifier url not configured")
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	requestCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, method, p.verifierURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("verifier request %s %s failed: %s", method, path, resp.Status)
	}
	return nil
}

type TestRunActivities struct {
	store    store.Store
	executor Executor
	poster   *EventPoster
	logger   *zap.Logger
}

func NewTestRunActivities(s store.Store, executor Executor, poster *EventPoster, logger *zap.Logger) *TestRunActivities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TestRunActivities{store: s, executor: executor, poster: poster, logger: logger}
}

// ExecuteTestRun returns an error only when the run could not be attempted.
// Setup failures are already recorded by the runner and come back as a
// failed status.
func (a *TestRunActivities) ExecuteTestRun(ctx context.Context, input TestRunInput) (TestRunOutput, error) {
	if strings.TrimSpace(input.RunID) == "" {
		return TestRunOutput{}, errors.New("run_id required")
	}
	raw, err := a.loadRequest(ctx, input)
	if err != nil {
		return TestRunOutput{}, err
	}
	var req modules.TestRunRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return TestRunOutput{}, fmt.Errorf("decode test run request: %w", err)
	}

	result, err := a.executor.Run(ctx, runner.Job{RunID: input.RunID, Mode: store.ModeAsync, Request: req})
	if err != nil {
		a.logger.Warn("test run failed", zap.String("run_id", input.RunID), zap.Error(err))
		return TestRunOutput{Status: store.StatusFailed, Submodules: req.SubmoduleCount()}, nil
	}
	if a.poster != nil {
		if err := a.poster.SaveResult(ctx, input.RunID, result); err != nil {
			a.logger.Error("persist test run result failed", zap.String("run_id", input.RunID), zap.Error(err))
		}
	}
	output := TestRunOutput{Status: store.StatusCompleted}
	for _, module := range result.Modules {
		for _, sub := range module.Submodules {
			output.Submodules++
			if sub.Approved != nil && *sub.Approved {
				output.Approved++
			}
		}
	}
	return output, nil
}

func (a *TestRunActivities) HandleRunFailure(ctx context.Context, input RunFailureInput) error {
	if strings.TrimSpace(input.RunID) == "" {
		return errors.New("run_id required")
	}
	detail := strings.TrimSpace(input.Error)
	if detail == "" {
		detail = "unknown workflow activity error"
	}
	if a.poster == nil {
		if a.store == nil {
			return errors.New("no store configured for run events")
		}
		return events.NewPublisher(a.store, nil).Emit(ctx, input.RunID, events.TypeRunFailed, events.SourceWorkflow, map[string]any{"error": detail})
	}
	return a.poster.Emit(ctx, input.RunID, events.TypeRunFailed, events.SourceWorkflow, map[string]any{"error": detail})
}

func (a *TestRunActivities) loadRequest(ctx context.Context, input TestRunInput) (json.RawMessage, error) {
	if len(input.Request) > 0 {
		return input.Request, nil
	}
	if a.store == nil {
		return nil, errors.New("test run request missing")
	}
	run, err := a.store.GetTestRun(ctx, input.RunID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("test run %s not found", input.RunID)
	}
	if len(run.Request) == 0 {
		return nil, fmt.Errorf("test run %s has no request", input.RunID)
	}
	return run.Request, nil
}
