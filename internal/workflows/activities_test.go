package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/modules"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/runner"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store/memory"
)

type executorFunc func(ctx context.Context, job runner.Job) (modules.TestRunResult, error)

func (f executorFunc) Run(ctx context.Context, job runner.Job) (modules.TestRunResult, error) {
	return f(ctx, job)
}

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

func newVerifierServer(t *testing.T, status int) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	requests := []recordedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		requests = append(requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest{}, requests...)
	}
}

func approvedResult(verdicts ...bool) modules.TestRunResult {
	subs := make([]modules.Submodule, 0, len(verdicts))
	for _, v := range verdicts {
		subs = append(subs, modules.Submodule{Title: "s"}.WithVerdict(v))
	}
	return modules.TestRunResult{Modules: []modules.Module{{Title: "m", Submodules: subs}}}
}

func TestExecuteTestRun_PostsResult(t *testing.T) {
	server, requests := newVerifierServer(t, http.StatusNoContent)
	var job runner.Job
	executor := executorFunc(func(ctx context.Context, j runner.Job) (modules.TestRunResult, error) {
		job = j
		return approvedResult(true, false, true), nil
	})
	activities := NewTestRunActivities(memory.New(), executor, NewEventPoster(nil, server.URL, nil), nil)

	output, err := activities.ExecuteTestRun(context.Background(), TestRunInput{
		RunID:   "run-1",
		Request: json.RawMessage(`{"site_url":"https://shop.test","modules":[]}`),
	})
	require.NoError(t, err)
	require.Equal(t, TestRunOutput{Status: store.StatusCompleted, Submodules: 3, Approved: 2}, output)
	require.Equal(t, store.ModeAsync, job.Mode)
	require.Equal(t, "https://shop.test", job.Request.SiteURL)

	got := requests()
	require.Len(t, got, 1)
	require.Equal(t, http.MethodPut, got[0].Method)
	require.Equal(t, "/test-runs/run-1/result", got[0].Path)
	require.Len(t, got[0].Body["modules"], 1)
}

func TestExecuteTestRun_LoadsRequestFromStoreAndFallsBack(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, mem.CreateTestRun(ctx, store.TestRun{
		ID:      "run-2",
		SiteURL: "https://shop.test",
		Request: json.RawMessage(`{"site_url":"https://shop.test"}`),
	}))
	executor := executorFunc(func(ctx context.Context, j runner.Job) (modules.TestRunResult, error) {
		return approvedResult(true), nil
	})
	activities := NewTestRunActivities(mem, executor, NewEventPoster(mem, "", nil), nil)

	output, err := activities.ExecuteTestRun(ctx, TestRunInput{RunID: "run-2"})
	require.NoError(t, err)
	require.Equal(t, 1, output.Approved)

	run, err := mem.GetTestRun(ctx, "run-2")
	require.NoError(t, err)
	require.JSONEq(t, `{"modules":[{"title":"m","submodules":[{"title":"s","description":"","approved":true}]}]}`, string(run.Result))
}

func TestExecuteTestRun_RunnerFailureIsStatus(t *testing.T) {
	executor := executorFunc(func(ctx context.Context, j runner.Job) (modules.TestRunResult, error) {
		return modules.TestRunResult{}, &runner.SetupError{Stage: runner.StageAcquire, Err: errors.New("refused")}
	})
	activities := NewTestRunActivities(nil, executor, nil, nil)

	output, err := activities.ExecuteTestRun(context.Background(), TestRunInput{
		RunID:   "run-3",
		Request: json.RawMessage(`{"site_url":"https://shop.test","modules":[{"title":"m","submodules":[{"title":"a"},{"title":"b"}]}]}`),
	})
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, output.Status)
	require.Equal(t, 2, output.Submodules)
}

func TestExecuteTestRun_InputErrors(t *testing.T) {
	activities := NewTestRunActivities(memory.New(), executorFunc(func(context.Context, runner.Job) (modules.TestRunResult, error) {
		t.Fatal("executor must not run")
		return modules.TestRunResult{}, nil
	}), nil, nil)

	_, err := activities.ExecuteTestRun(context.Background(), TestRunInput{})
	require.EqualError(t, err, "run_id required")

	_, err = activities.ExecuteTestRun(context.Background(), TestRunInput{RunID: "missing"})
	require.EqualError(t, err, "test run missing not found")

	_, err = activities.ExecuteTestRun(context.Background(), TestRunInput{RunID: "bad", Request: json.RawMessage(`[`)})
	require.ErrorContains(t, err, "decode test run request")
}

func TestHandleRunFailure_PostsEvent(t *testing.T) {
	server, requests := newVerifierServer(t, http.StatusAccepted)
	activities := NewTestRunActivities(nil, nil, NewEventPoster(nil, server.URL, nil), nil)

	require.NoError(t, activities.HandleRunFailure(context.Background(), RunFailureInput{RunID: "run-1"}))
	got := requests()
	require.Len(t, got, 1)
	require.Equal(t, "/test-runs/run-1/events", got[0].Path)
	require.Equal(t, "run.failed", got[0].Body["type"])
	require.Equal(t, "workflow", got[0].Body["source"])
	payload := got[0].Body["payload"].(map[string]any)
	require.Equal(t, "unknown workflow activity error", payload["error"])
}

func TestHandleRunFailure_FallsBackToStore(t *testing.T) {
	ctx := context.Background()
	server, _ := newVerifierServer(t, http.StatusInternalServerError)
	mem := memory.New()
	require.NoError(t, mem.CreateTestRun(ctx, store.TestRun{ID: "run-1"}))
	activities := NewTestRunActivities(mem, nil, NewEventPoster(mem, server.URL, nil), nil)

	require.NoError(t, activities.HandleRunFailure(ctx, RunFailureInput{RunID: "run-1", Error: "execute: boom"}))
	run, _ := mem.GetTestRun(ctx, "run-1")
	require.Equal(t, store.StatusFailed, run.Status)
	require.Equal(t, "execute: boom", run.Error)

	require.EqualError(t, activities.HandleRunFailure(ctx, RunFailureInput{}), "run_id required")
}
