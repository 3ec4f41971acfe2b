package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/metrics"
)

const DefaultTimeout = 3 * time.Second

// Step is one agent step as reported to observers.
type Step struct {
	RunID     string `json:"run_id,omitempty"`
	SessionID string `json:"session_id"`
	Submodule string `json:"submodule,omitempty"`
	Index     int    `json:"step"`
	Action    string `json:"action,omitempty"`
	Output    any    `json:"output"`
}

// Recorder observes agent steps. Implementations must not fail the caller.
type Recorder interface {
	RecordStep(ctx context.Context, step Step)
}

type RecorderFunc func(ctx context.Context, step Step)

func (f RecorderFunc) RecordStep(ctx context.Context, step Step) {
	f(ctx, step)
}

type multiRecorder []Recorder

// Multi fans a step out to every non-nil recorder in order.
func Multi(recorders ...Recorder) Recorder {
	out := make(multiRecorder, 0, len(recorders))
	for _, recorder := range recorders {
		if recorder != nil {
			out = append(out, recorder)
		}
	}
	return out
}

func (m multiRecorder) RecordStep(ctx context.Context, step Step) {
	for _, recorder := range m {
		recorder.RecordStep(ctx, step)
	}
}

// HTTPSink posts each step to {baseURL}/{session_id}/log. Delivery is
// attempted once; failures are logged and counted.
type HTTPSink struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewHTTPSink(baseURL string, logger *zap.Logger, m *metrics.Metrics) *HTTPSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSink{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logger,
		metrics:    m,
	}
}

func (s *HTTPSink) RecordStep(ctx context.Context, step Step) {
	if s == nil || s.baseURL == "" {
		return
	}
	if err := s.post(ctx, step); err != nil {
		s.metrics.TelemetryFailed()
		s.logger.Warn("step telemetry failed",
			zap.String("session_id", step.SessionID),
			zap.Int("step", step.Index),
			zap.Error(err),
		)
	}
}

func (s *HTTPSink) post(ctx context.Context, step Step) error {
	body, err := json.Marshal(map[string]any{
		"session_id": step.SessionID,
		"step":       step.Index,
		"output":     step.Output,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTimeout)
	defer cancel()
	endpoint := s.baseURL + "/" + url.PathEscape(step.SessionID) + "/log"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("telemetry sink returned %s", resp.Status)
	}
	return nil
}
