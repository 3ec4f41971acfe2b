// Package runner drives one agent per submodule against a shared remote
// browser session and annotates the module tree with verdicts.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/agent"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/browser"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/modules"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/normalize"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store"
)

const (
	DefaultMaxSteps         = 10
	DefaultSubmoduleTimeout = 10 * time.Minute
)

const (
	StageAcquire  = "acquire"
	StageNavigate = "navigate"
)

// SessionManager owns the remote browser for the duration of one run.
// Release must accept the session returned by a failed Acquire, including nil.
type SessionManager interface {
	Acquire(ctx context.Context, sessionID string, anchorSessionID string) (*browser.Session, error)
	Navigate(ctx context.Context, session *browser.Session, url string) error
	Release(session *browser.Session)
}

// EventSink receives run lifecycle events. Emit failures are logged and
// never change the run outcome.
type EventSink interface {
	Emit(ctx context.Context, runID string, eventType string, source string, payload map[string]any) error
}

// SetupError is the only error that fails a run: the session could not be
// acquired or the site could not be loaded.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type Config struct {
	MaxSteps int
	// SubmoduleTimeout bounds one agent invocation. Zero disables it.
	SubmoduleTimeout time.Duration
}

type Job struct {
	RunID   string
	Mode    string
	Request modules.TestRunRequest
}

type Runner struct {
	sessions SessionManager
	agents   agent.Factory
	events   EventSink
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config
}

func New(sessions SessionManager, agents agent.Factory, sink EventSink, logger *zap.Logger, m *metrics.Metrics, cfg Config) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.SubmoduleTimeout < 0 {
		cfg.SubmoduleTimeout = 0
	}
	return &Runner{
		sessions: sessions,
		agents:   agents,
		events:   sink,
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
	}
}

// Run acquires a session, loads the site and evaluates every submodule in
// input order. The session is released on every path before Run returns.
func (r *Runner) Run(ctx context.Context, job Job) (modules.TestRunResult, error) {
	req := job.Request.WithDefaults()
	if err := req.Validate(); err != nil {
		return modules.TestRunResult{}, err
	}
	if job.Mode == "" {
		job.Mode = store.ModeSync
	}
	logger := r.logger.With(
		zap.String("run_id", job.RunID),
		zap.String("session_id", req.SessionID),
		zap.String("anchor_session_id", req.AnchorSessionID),
	)
	r.emit(ctx, job.RunID, events.TypeRunStarted, map[string]any{
		"site_url":          req.SiteURL,
		"session_id":        req.SessionID,
		"anchor_session_id": req.AnchorSessionID,
		"modules":           len(req.Modules),
		"submodules":        req.SubmoduleCount(),
	})

	session, err := r.sessions.Acquire(ctx, req.SessionID, req.AnchorSessionID)
	defer r.sessions.Release(session)
	if err != nil {
		return modules.TestRunResult{}, r.fail(ctx, job, logger, &SetupError{Stage: StageAcquire, Err: err})
	}
	if err := r.sessions.Navigate(ctx, session, req.SiteURL); err != nil {
		return modules.TestRunResult{}, r.fail(ctx, job, logger, &SetupError{Stage: StageNavigate, Err: err})
	}
	r.emit(ctx, job.RunID, events.TypeRunNavigated, map[string]any{"url": req.SiteURL})
	logger.Info("test run started", zap.String("site_url", req.SiteURL), zap.Int("submodules", req.SubmoduleCount()))

	approvedCount := 0
	out := make([]modules.Module, 0, len(req.Modules))
	for mi, module := range req.Modules {
		annotated := make([]modules.Submodule, 0, len(module.Submodules))
		for si, sub := range module.Submodules {
			approved := r.runSubmodule(ctx, job.RunID, req, session, stepID(mi, si), sub, logger)
			if approved {
				approvedCount++
			}
			annotated = append(annotated, sub.WithVerdict(approved))
		}
		out = append(out, module.WithSubmodules(annotated))
	}
	result := modules.TestRunResult{Modules: out}

	if err := ctx.Err(); err != nil {
		return result, r.fail(ctx, job, logger, err)
	}
	r.emit(ctx, job.RunID, events.TypeRunCompleted, map[string]any{
		"submodules": req.SubmoduleCount(),
		"approved":   approvedCount,
	})
	r.metrics.RunFinished(job.Mode, store.StatusCompleted)
	logger.Info("test run completed", zap.Int("approved", approvedCount), zap.Int("submodules", req.SubmoduleCount()))
	return result, nil
}

func (r *Runner) fail(ctx context.Context, job Job, logger *zap.Logger, err error) error {
	logger.Error("test run failed", zap.Error(err))
	r.emit(ctx, job.RunID, events.TypeRunFailed, map[string]any{"error": err.Error()})
	r.metrics.RunFinished(job.Mode, store.StatusFailed)
	return err
}

// runSubmodule never fails: every error becomes a false verdict.
func (r *Runner) runSubmodule(ctx context.Context, runID string, req modules.TestRunRequest, session *browser.Session, id string, sub modules.Submodule, logger *zap.Logger) bool {
	logger = logger.With(zap.String("step_id", id), zap.String("submodule", sub.Title))
	started := time.Now()
	r.emit(ctx, runID, events.TypeSubmoduleStarted, map[string]any{
		"step_id": id,
		"name":    sub.Title,
	})

	approved, err := r.evaluate(ctx, runID, req, session, id, sub)
	elapsed := time.Since(started)
	payload := map[string]any{
		"step_id":     id,
		"name":        sub.Title,
		"approved":    approved,
		"duration_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		logger.Warn("submodule evaluation failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		payload["error"] = err.Error()
		r.emit(ctx, runID, events.TypeSubmoduleFailed, payload)
		r.metrics.SubmoduleFinished("error", elapsed)
		return false
	}
	logger.Info("submodule evaluated", zap.Bool("approved", approved), zap.Duration("elapsed", elapsed))
	r.emit(ctx, runID, events.TypeSubmoduleCompleted, payload)
	verdict := "rejected"
	if approved {
		verdict = "approved"
	}
	r.metrics.SubmoduleFinished(verdict, elapsed)
	return approved
}

func (r *Runner) evaluate(ctx context.Context, runID string, req modules.TestRunRequest, session *browser.Session, id string, sub modules.Submodule) (approved bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			approved = false
			err = fmt.Errorf("agent panicked: %v", recovered)
		}
	}()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if r.cfg.SubmoduleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.SubmoduleTimeout)
		defer cancel()
	}

	worker := r.agents.New(session, agent.Task{
		Prompt:    BuildTask(req.SiteURL, sub),
		RunID:     runID,
		SessionID: req.SessionID,
		Submodule: sub.Title,
		Recorder:  r.stepRecorder(runID, id),
	})
	if worker == nil {
		return false, errors.New("agent factory returned no agent")
	}
	raw, err := worker.Run(ctx, r.cfg.MaxSteps)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return normalize.Verdict(raw), nil
}

func (r *Runner) emit(ctx context.Context, runID string, eventType string, payload map[string]any) {
	r.emitFrom(ctx, runID, eventType, events.SourceRunner, payload)
}

// emitFrom detaches from cancellation so failure events of a cancelled run
// are still recorded.
func (r *Runner) emitFrom(ctx context.Context, runID string, eventType string, source string, payload map[string]any) {
	if r.events == nil || runID == "" {
		return
	}
	if err := r.events.Emit(context.WithoutCancel(ctx), runID, eventType, source, payload); err != nil {
		r.logger.Warn("emit run event failed",
			zap.String("run_id", runID),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}

func stepID(moduleIndex int, submoduleIndex int) string {
	return fmt.Sprintf("m%d.s%d", moduleIndex, submoduleIndex)
}
