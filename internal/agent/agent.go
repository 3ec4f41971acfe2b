package agent

import (
	"context"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/browser"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/telemetry"
)

// Page is the browser surface an agent drives. *browser.Session satisfies it.
type Page interface {
	Observe(ctx context.Context, screenshot bool) (browser.Observation, error)
	Click(ctx context.Context, index int) error
	Fill(ctx context.Context, index int, text string) error
	Press(ctx context.Context, key string) error
	Scroll(ctx context.Context, deltaY int) error
	Goto(ctx context.Context, url string) error
	GoBack(ctx context.Context) error
	Wait(ctx context.Context, d time.Duration) error
	EnableLogging(ctx context.Context) error
}

// Agent runs one task to completion within a step budget. The result is
// arbitrary nested data; callers normalize it.
type Agent interface {
	Run(ctx context.Context, maxSteps int) (any, error)
}

// Task is the isolated unit of work handed to a fresh agent.
type Task struct {
	Prompt    string
	RunID     string
	SessionID string
	Submodule string
	// Recorder receives this task's steps in addition to the factory's.
	Recorder telemetry.Recorder
}

type Factory interface {
	New(page Page, task Task) Agent
}

type FactoryFunc func(page Page, task Task) Agent

func (f FactoryFunc) New(page Page, task Task) Agent {
	return f(page, task)
}

type AgentFunc func(ctx context.Context, maxSteps int) (any, error)

func (f AgentFunc) Run(ctx context.Context, maxSteps int) (any, error) {
	return f(ctx, maxSteps)
}

// Verdict is the structured result of a finished task.
type Verdict struct {
	Approved bool   `json:"approved"`
	Summary  string `json:"summary,omitempty"`
}
