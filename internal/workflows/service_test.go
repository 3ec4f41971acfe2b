package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
)

func TestNewService_DefaultQueue(t *testing.T) {
	service := NewService(mocks.NewClient(t), "")
	require.Equal(t, DefaultTaskQueue, service.taskQueue)
}

func TestStartTestRun_Success(t *testing.T) {
	mockClient := mocks.NewClient(t)
	workflowRun := mocks.NewWorkflowRun(t)
	runID := "run-123"
	request := json.RawMessage(`{"site_url":"https://shop.test"}`)

	mockClient.On(
		"ExecuteWorkflow",
		mock.Anything,
		mock.MatchedBy(func(opts client.StartWorkflowOptions) bool {
			return opts.ID == "test-run:run-123" && opts.TaskQueue == "verifier-runs-test"
		}),
		mock.Anything,
		TestRunInput{RunID: runID, Request: request},
	).Return(workflowRun, nil)

	service := NewService(mockClient, "verifier-runs-test")
	require.NoError(t, service.StartTestRun(context.Background(), runID, request))
}

func TestStartTestRun_Error(t *testing.T) {
	mockClient := mocks.NewClient(t)
	expectedErr := errors.New("start failed")

	mockClient.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return((*mocks.WorkflowRun)(nil), expectedErr)

	service := NewService(mockClient, "")
	err := service.StartTestRun(context.Background(), "run-err", nil)
	require.ErrorIs(t, err, expectedErr)
}

func TestCancelTestRun(t *testing.T) {
	mockClient := mocks.NewClient(t)
	mockClient.On("CancelWorkflow", mock.Anything, workflowID("run-1"), "").Return(nil)

	service := NewService(mockClient, "")
	require.NoError(t, service.CancelTestRun(context.Background(), "run-1"))
}
