package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/modules"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/runner"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store"
)

type testRunResponse struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id,omitempty"`
	AnchorSessionID string          `json:"anchor_session_id,omitempty"`
	SiteURL         string          `json:"site_url"`
	Mode            string          `json:"mode"`
	Status          string          `json:"status"`
	Error           string          `json:"error,omitempty"`
	LastSeq         int64           `json:"last_seq"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
	Request         json.RawMessage `json:"request,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
}

type listTestRunsResponse struct {
	Runs []testRunResponse `json:"runs"`
}

type runStepResponse struct {
	ID           string         `json:"id"`
	ParentStepID string         `json:"parent_step_id,omitempty"`
	Kind         string         `json:"kind"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	Approved     *bool          `json:"approved,omitempty"`
	Source       string         `json:"source"`
	Seq          int64          `json:"seq"`
	StartedAt    string         `json:"started_at,omitempty"`
	CompletedAt  string         `json:"completed_at,omitempty"`
	Error        string         `json:"error,omitempty"`
	Diagnostics  map[string]any `json:"diagnostics,omitempty"`
}

type listRunStepsResponse struct {
	Steps []runStepResponse `json:"steps"`
}

type createTestRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// testModules runs the request to completion inside the HTTP call. The
// browser session is released before the response is written.
func (s *Server) testModules(w http.ResponseWriter, r *http.Request) {
	req, raw, ok := decodeTestRunRequest(w, r)
	if !ok {
		return
	}
	run, err := s.recordTestRun(r.Context(), req, raw, store.ModeSync)
	if err != nil {
		writeDetail(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Run-ID", run.ID)

	result, err := s.runner.Run(r.Context(), runner.Job{RunID: run.ID, Mode: store.ModeSync, Request: req})
	if err != nil {
		var setupErr *runner.SetupError
		if errors.As(err, &setupErr) {
			s.logger.Warn("test run setup failed", zap.String("run_id", run.ID), zap.String("stage", setupErr.Stage), zap.Error(setupErr.Err))
		}
		writeDetail(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.persistResult(r.Context(), run.ID, result); err != nil {
		s.logger.Error("persist test run result failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	writeJSONStatus(w, result, http.StatusOK)
}

// createTestRun accepts the request and returns before any browser work
// starts. Progress is observable through the run's events and steps.
func (s *Server) createTestRun(w http.ResponseWriter, r *http.Request) {
	req, raw, ok := decodeTestRunRequest(w, r)
	if !ok {
		return
	}
	run, err := s.recordTestRun(r.Context(), req, raw, store.ModeAsync)
	if err != nil {
		writeDetail(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.workflows != nil {
		if err := s.workflows.StartTestRun(r.Context(), run.ID, raw); err != nil {
			_ = s.publisher.Emit(context.WithoutCancel(r.Context()), run.ID, events.TypeRunFailed, events.SourceAPI, map[string]any{"error": err.Error()})
			writeDetail(w, err.Error(), http.StatusBadGateway)
			return
		}
	} else {
		s.runInline(run.ID, req)
	}

	w.Header().Set("X-Run-ID", run.ID)
	writeJSONStatus(w, createTestRunResponse{RunID: run.ID, Status: store.StatusQueued}, http.StatusAccepted)
}

func (s *Server) runInline(runID string, req modules.TestRunRequest) {
	ctx, cancel := context.WithCancel(s.runCtx)
	s.inlineMu.Lock()
	s.inlineRuns[runID] = cancel
	s.inlineMu.Unlock()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			s.inlineMu.Lock()
			delete(s.inlineRuns, runID)
			s.inlineMu.Unlock()
			cancel()
		}()
		result, err := s.runner.Run(ctx, runner.Job{RunID: runID, Mode: store.ModeAsync, Request: req})
		if err != nil {
			return
		}
		// Deleted while running.
		if ctx.Err() != nil && s.runCtx.Err() == nil {
			return
		}
		if err := s.persistResult(context.WithoutCancel(s.runCtx), runID, result); err != nil {
			s.logger.Error("persist test run result failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()
}

// cancelInline stops an in-process run, if one is active for runID.
func (s *Server) cancelInline(runID string) {
	s.inlineMu.Lock()
	cancel, ok := s.inlineRuns[runID]
	delete(s.inlineRuns, runID)
	s.inlineMu.Unlock()
	if ok {
		cancel()
	}
}

func decodeTestRunRequest(w http.ResponseWriter, r *http.Request) (modules.TestRunRequest, json.RawMessage, bool) {
	var req modules.TestRunRequest
	if r.Body == nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return req, nil, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return req, nil, false
	}
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, nil, false
	}
	raw, err := json.Marshal(req)
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return req, nil, false
	}
	return req, raw, true
}

func (s *Server) recordTestRun(ctx context.Context, req modules.TestRunRequest, raw json.RawMessage, mode string) (store.TestRun, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	run := store.TestRun{
		ID:              uuid.New().String(),
		SessionID:       req.SessionID,
		AnchorSessionID: req.AnchorSessionID,
		SiteURL:         req.SiteURL,
		Mode:            mode,
		Status:          store.StatusQueued,
		Request:         raw,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateTestRun(ctx, run); err != nil {
		return store.TestRun{}, err
	}
	if err := s.publisher.Emit(ctx, run.ID, events.TypeRunQueued, events.SourceAPI, map[string]any{
		"mode":       mode,
		"site_url":   req.SiteURL,
		"submodules": req.SubmoduleCount(),
	}); err != nil {
		s.logger.Warn("record run.queued failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	return run, nil
}

func (s *Server) persistResult(ctx context.Context, runID string, result modules.TestRunResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.store.SaveTestRunResult(ctx, runID, encoded)
}

func (s *Server) listTestRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListTestRuns(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := listTestRunsResponse{Runs: make([]testRunResponse, 0, len(runs))}
	for _, run := range runs {
		summary := toTestRunResponse(run)
		summary.Request = nil
		summary.Result = nil
		response.Runs = append(response.Runs, summary)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) getTestRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.store.GetTestRun(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "test run not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toTestRunResponse(*run))
}

func (s *Server) deleteTestRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	s.cancelInline(runID)
	if s.workflows != nil {
		if err := s.workflows.CancelTestRun(r.Context(), runID); err != nil {
			s.logger.Debug("cancel test run workflow failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	if err := s.store.DeleteTestRun(r.Context(), runID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRunSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	steps, err := s.store.ListRunSteps(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := make([]runStepResponse, 0, len(steps))
	for _, step := range steps {
		response = append(response, runStepResponse{
			ID:           step.ID,
			ParentStepID: step.ParentStepID,
			Kind:         step.Kind,
			Name:         step.Name,
			Status:       step.Status,
			Approved:     step.Approved,
			Source:       step.Source,
			Seq:          step.Seq,
			StartedAt:    step.StartedAt,
			CompletedAt:  step.CompletedAt,
			Error:        step.Error,
			Diagnostics:  step.Diagnostics,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(listRunStepsResponse{Steps: response})
}

// saveTestRunResult stores the annotated module tree reported by a worker.
func (s *Server) saveTestRunResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	var result modules.TestRunResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	run, err := s.store.GetTestRun(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "test run not found", http.StatusNotFound)
		return
	}
	if err := s.persistResult(r.Context(), runID, result); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toTestRunResponse(run store.TestRun) testRunResponse {
	return testRunResponse{
		ID:              run.ID,
		SessionID:       run.SessionID,
		AnchorSessionID: run.AnchorSessionID,
		SiteURL:         run.SiteURL,
		Mode:            run.Mode,
		Status:          run.Status,
		Error:           run.Error,
		LastSeq:         run.LastSeq,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
		Request:         run.Request,
		Result:          run.Result,
	}
}
