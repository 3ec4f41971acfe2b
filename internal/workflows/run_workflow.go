package workflows

import (
	"encoding/json"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	ExecuteTestRunActivity   = "ExecuteTestRun"
	HandleRunFailureActivity = "HandleRunFailure"

	DefaultRunTimeout = 30 * time.Minute
)

type TestRunInput struct {
	RunID   string
	Request json.RawMessage
	// Timeout bounds the whole run activity. Zero uses DefaultRunTimeout.
	Timeout time.Duration
}

type TestRunOutput struct {
	Status     string `json:"status"`
	Submodules int    `json:"submodules"`
	Approved   int    `json:"approved"`
}

type RunFailureInput struct {
	RunID string
	Error string
}

// TestRunWorkflow executes one test run without automatic retry: a second
// attempt would acquire the same remote browser session again.
func TestRunWorkflow(ctx workflow.Context, input TestRunInput) (TestRunOutput, error) {
	timeout := input.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})
	logger := workflow.GetLogger(ctx)

	var output TestRunOutput
	err := workflow.ExecuteActivity(ctx, ExecuteTestRunActivity, input).Get(ctx, &output)
	if err == nil {
		logger.Info("test run finished", "run_id", input.RunID, "approved", output.Approved, "submodules", output.Submodules)
		return output, nil
	}

	logger.Error("test run activity failed", "run_id", input.RunID, "error", err)
	failure := RunFailureInput{RunID: input.RunID, Error: "execute: " + err.Error()}
	if failureErr := workflow.ExecuteActivity(ctx, HandleRunFailureActivity, failure).Get(ctx, nil); failureErr != nil {
		logger.Error("failed to persist run failure event", "run_id", input.RunID, "error", failureErr)
	}
	return TestRunOutput{Status: "failed"}, err
}
