package runner

import (
	"context"
	"fmt"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/modules"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/normalize"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/telemetry"
)

const taskTemplate = "Please thoroughly evaluate the functionality of the feature '%s' on the website '%s'. " +
	"The feature is described as: '%s'. " +
	"Interact with the page and perform all necessary steps to confirm that this feature is working as expected. " +
	"Once you have completed your evaluation, return a concise JSON response in the exact format: " +
	"{'approved': true} if the feature functions correctly, or {'approved': false} if it does not."

// BuildTask renders the instruction given to the agent for one submodule.
func BuildTask(siteURL string, sub modules.Submodule) string {
	return fmt.Sprintf(taskTemplate, sub.Title, siteURL, sub.Description)
}

// stepRecorder turns agent steps into agent.step events under the
// submodule's step id.
func (r *Runner) stepRecorder(runID string, parentID string) telemetry.Recorder {
	if r.events == nil || runID == "" {
		return nil
	}
	return telemetry.RecorderFunc(func(ctx context.Context, step telemetry.Step) {
		r.emitFrom(ctx, runID, events.TypeAgentStep, events.SourceAgent, map[string]any{
			"step_id":        fmt.Sprintf("%s.step-%d", parentID, step.Index),
			"parent_step_id": parentID,
			"step":           step.Index,
			"action":         step.Action,
			"output":         normalize.Serialize(step.Output),
		})
	})
}
