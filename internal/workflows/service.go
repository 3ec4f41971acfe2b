package workflows

import (
	"context"
	"encoding/json"
	"fmt"

	"go.temporal.io/sdk/client"
)

const DefaultTaskQueue = "verifier-runs"

type Service struct {
	client    client.Client
	taskQueue string
}

func NewService(client client.Client, taskQueue string) *Service {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Service{client: client, taskQueue: taskQueue}
}

// StartTestRun dispatches a stored run to the worker. The request travels
// with the workflow input so workers without a shared database can run it.
func (s *Service) StartTestRun(ctx context.Context, runID string, request json.RawMessage) error {
	options := client.StartWorkflowOptions{
		ID:        workflowID(runID),
		TaskQueue: s.taskQueue,
	}
	_, err := s.client.ExecuteWorkflow(ctx, options, TestRunWorkflow, TestRunInput{RunID: runID, Request: request})
	return err
}

func (s *Service) CancelTestRun(ctx context.Context, runID string) error {
	return s.client.CancelWorkflow(ctx, workflowID(runID), "")
}

func workflowID(runID string) string {
	return fmt.Sprintf("test-run:%s", runID)
}
