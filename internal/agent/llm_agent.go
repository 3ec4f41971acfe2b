package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/browser"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/metrics"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/telemetry"
)

const (
	DefaultMaxFailures = 3
	defaultScroll      = 600
	maxWait            = 10 * time.Second
)

type Config struct {
	UseVision   bool
	MaxFailures int
}

// LLMFactory builds agents that drive the page with a chat model.
type LLMFactory struct {
	provider llm.Provider
	recorder telemetry.Recorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config
}

func NewLLMFactory(provider llm.Provider, recorder telemetry.Recorder, logger *zap.Logger, m *metrics.Metrics, cfg Config) *LLMFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &LLMFactory{provider: provider, recorder: recorder, logger: logger, metrics: m, cfg: cfg}
}

func (f *LLMFactory) New(page Page, task Task) Agent {
	return &llmAgent{
		page:     page,
		task:     task,
		provider: f.provider,
		recorder: telemetry.Multi(f.recorder, task.Recorder),
		logger:   f.logger.With(zap.String("session_id", task.SessionID), zap.String("submodule", task.Submodule)),
		metrics:  f.metrics,
		cfg:      f.cfg,
	}
}

type llmAgent struct {
	page     Page
	task     Task
	provider llm.Provider
	recorder telemetry.Recorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config

	history []historyEntry
}

// Run observes, asks the model and acts until the model calls done or the
// budget runs out. Without a done verdict the model outputs are returned.
func (a *llmAgent) Run(ctx context.Context, maxSteps int) (any, error) {
	if maxSteps <= 0 {
		return nil, fmt.Errorf("invalid step budget %d", maxSteps)
	}
	failures := 0
	for step := 1; step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		obs, err := a.page.Observe(ctx, a.cfg.UseVision)
		if err != nil {
			return nil, fmt.Errorf("observe page: %w", err)
		}
		reply, err := a.provider.Generate(ctx, a.messages(obs, step, maxSteps))
		if err != nil {
			return nil, fmt.Errorf("model step %d: %w", step, err)
		}
		a.metrics.AgentStep()

		output, err := ParseOutput(reply)
		if err != nil {
			failures++
			a.logger.Warn("invalid model reply", zap.Int("step", step), zap.Int("consecutive", failures), zap.Error(err))
			if failures >= a.cfg.MaxFailures {
				return nil, fmt.Errorf("%d consecutive invalid model replies: %w", failures, err)
			}
			continue
		}
		failures = 0

		result, verdict, err := a.execute(ctx, output.Action)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result = "error: " + err.Error()
		}
		entry := historyEntry{Step: step, Output: output, Result: result}
		a.history = append(a.history, entry)
		a.record(ctx, entry)

		if output.Action.Name == ActionDone {
			if verdict != nil {
				return *verdict, nil
			}
			return a.outputs(), nil
		}
	}
	a.logger.Info("step budget exhausted", zap.Int("max_steps", maxSteps))
	return a.outputs(), nil
}

func (a *llmAgent) messages(obs browser.Observation, step int, maxSteps int) []llm.Message {
	user := llm.Message{
		Role:    llm.RoleUser,
		Content: renderTask(a.task.Prompt, a.history, obs, step, maxSteps),
	}
	if a.cfg.UseVision && obs.Screenshot != "" {
		user.Images = []string{"data:image/jpeg;base64," + obs.Screenshot}
	}
	return []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}, user}
}

func (a *llmAgent) execute(ctx context.Context, action Action) (string, *Verdict, error) {
	switch action.Name {
	case ActionClick:
		return "clicked", nil, a.page.Click(ctx, *action.Index)
	case ActionFill:
		return "filled", nil, a.page.Fill(ctx, *action.Index, action.Text)
	case ActionPress:
		return "pressed", nil, a.page.Press(ctx, action.Key)
	case ActionScroll:
		delta := action.DeltaY
		if delta == 0 {
			delta = defaultScroll
		}
		return "scrolled", nil, a.page.Scroll(ctx, delta)
	case ActionNavigate:
		return "navigated", nil, a.page.Goto(ctx, action.URL)
	case ActionGoBack:
		return "went back", nil, a.page.GoBack(ctx)
	case ActionWait:
		wait := time.Duration(action.Seconds * float64(time.Second))
		if wait > maxWait {
			wait = maxWait
		}
		return "waited", nil, a.page.Wait(ctx, wait)
	case ActionEnableLogging:
		return "logging enabled", nil, a.page.EnableLogging(ctx)
	case ActionDone:
		if action.Approved == nil {
			return action.Summary, nil, nil
		}
		return action.Summary, &Verdict{Approved: *action.Approved, Summary: action.Summary}, nil
	default:
		return "", nil, fmt.Errorf("unknown action %q", action.Name)
	}
}

func (a *llmAgent) record(ctx context.Context, entry historyEntry) {
	if a.recorder == nil {
		return
	}
	a.recorder.RecordStep(ctx, telemetry.Step{
		RunID:     a.task.RunID,
		SessionID: a.task.SessionID,
		Submodule: a.task.Submodule,
		Index:     entry.Step,
		Action:    entry.Output.Action.Name,
		Output:    entry,
	})
}

func (a *llmAgent) outputs() []Output {
	outputs := make([]Output, 0, len(a.history))
	for _, entry := range a.history {
		outputs = append(outputs, entry.Output)
	}
	return outputs
}
