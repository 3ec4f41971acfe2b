package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRunStepFromEvent_SubmoduleLifecycle(t *testing.T) {
	started, ok := BuildRunStepFromEvent(RunEvent{
		RunID:     "run-1",
		Seq:       3,
		Type:      "submodule.started",
		Timestamp: "2026-02-07T00:00:00Z",
		Source:    "runner",
		Payload: map[string]any{
			"step_id": "m0.s1",
			"name":    "Add to cart",
		},
	})
	require.True(t, ok)
	require.Equal(t, "m0.s1", started.ID)
	require.Equal(t, StepKindSubmodule, started.Kind)
	require.Equal(t, StatusRunning, started.Status)
	require.Nil(t, started.Approved)

	failed, ok := BuildRunStepFromEvent(RunEvent{
		RunID:     "run-1",
		Seq:       9,
		Type:      "submodule_failed",
		Timestamp: "2026-02-07T00:00:05Z",
		Source:    "runner",
		Payload: map[string]any{
			"step_id":  "m0.s1",
			"error":    "agent timeout",
			"approved": false,
		},
	})
	require.True(t, ok)
	merged := MergeRunStep(started, failed)
	require.Equal(t, StatusFailed, merged.Status)
	require.Equal(t, "agent timeout", merged.Error)
	require.NotNil(t, merged.Approved)
	require.False(t, *merged.Approved)
	require.Equal(t, int64(3), merged.Seq)
	require.Equal(t, "Add to cart", merged.Name)
	require.Equal(t, "2026-02-07T00:00:00Z", merged.StartedAt)
	require.Equal(t, "2026-02-07T00:00:05Z", merged.CompletedAt)
}

func TestBuildRunStepFromEvent_SubmoduleCompleted(t *testing.T) {
	step, ok := BuildRunStepFromEvent(RunEvent{
		RunID:   "run-1",
		Seq:     4,
		Type:    "submodule.completed",
		Payload: map[string]any{"approved": true},
	})
	require.True(t, ok)
	require.Equal(t, "submodule-4", step.ID)
	require.Equal(t, "submodule-4", step.Name)
	require.Equal(t, StatusCompleted, step.Status)
	require.True(t, *step.Approved)
}

func TestBuildRunStepFromEvent_AgentStep(t *testing.T) {
	step, ok := BuildRunStepFromEvent(RunEvent{
		RunID:     "run-1",
		Seq:       5,
		Type:      "agent.step",
		Timestamp: "2026-02-07T00:00:02Z",
		Source:    "agent",
		TraceID:   "trace-1",
		Payload: map[string]any{
			"step_id":        "m0.s1.step-2",
			"parent_step_id": "m0.s1",
			"step":           float64(2),
		},
	})
	require.True(t, ok)
	require.Equal(t, StepKindAgentStep, step.Kind)
	require.Equal(t, "m0.s1", step.ParentStepID)
	require.Equal(t, "step 2", step.Name)
	require.Equal(t, "trace-1", step.Diagnostics["trace_id"])
	require.Equal(t, "2026-02-07T00:00:02Z", step.CompletedAt)
}

func TestBuildRunStepFromEvent_IgnoresNonStepEvents(t *testing.T) {
	_, ok := BuildRunStepFromEvent(RunEvent{Type: "run.started"})
	require.False(t, ok)
}

func TestStatusFromEvent(t *testing.T) {
	require.Equal(t, StatusRunning, StatusFromEvent("Run_Started"))
	require.Equal(t, StatusCompleted, StatusFromEvent("run.completed"))
	require.Equal(t, StatusFailed, StatusFromEvent("run.failed"))
	require.Equal(t, StatusQueued, StatusFromEvent("run.queued"))
	require.Empty(t, StatusFromEvent("agent.step"))
}
