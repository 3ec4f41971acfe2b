package store

import (
	"context"
	"encoding/json"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// TestRun is one execution of a module tree against a site. Request holds
// the submitted TestRunRequest and Result the annotated module tree.
type TestRun struct {
	ID              string
	SessionID       string
	AnchorSessionID string
	SiteURL         string
	Mode            string
	Status          string
	Error           string
	Request         json.RawMessage
	Result          json.RawMessage
	LastSeq         int64
	CreatedAt       string
	UpdatedAt       string
}

type RunEvent struct {
	RunID     string
	Seq       int64
	Type      string
	Timestamp string
	Source    string
	TraceID   string
	Payload   map[string]any
}

// RunStep is the projection of submodule and agent step events.
type RunStep struct {
	RunID        string
	ID           string
	ParentStepID string
	Name         string
	Kind         string
	Status       string
	Approved     *bool
	Source       string
	Seq          int64
	StartedAt    string
	CompletedAt  string
	Error        string
	Diagnostics  map[string]any
}

type Store interface {
	CreateTestRun(ctx context.Context, run TestRun) error
	GetTestRun(ctx context.Context, runID string) (*TestRun, error)
	ListTestRuns(ctx context.Context) ([]TestRun, error)
	SaveTestRunResult(ctx context.Context, runID string, result json.RawMessage) error
	DeleteTestRun(ctx context.Context, runID string) error
	AppendEvent(ctx context.Context, event RunEvent) error
	ListEvents(ctx context.Context, runID string, afterSeq int64) ([]RunEvent, error)
	ListRunSteps(ctx context.Context, runID string) ([]RunStep, error)
	NextSeq(ctx context.Context, runID string) (int64, error)
}

// Pinger is implemented by stores backed by a remote database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusFromEvent maps run lifecycle events to a run status.
func StatusFromEvent(eventType string) string {
	switch NormalizeEventType(eventType) {
	case "run.queued":
		return StatusQueued
	case "run.started":
		return StatusRunning
	case "run.completed":
		return StatusCompleted
	case "run.failed":
		return StatusFailed
	default:
		return ""
	}
}
