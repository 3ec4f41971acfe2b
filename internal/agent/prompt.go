package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/browser"
)

const maxHistoryInPrompt = 12

const systemPrompt = `You are a QA agent testing a live website through a real browser.
Each turn you receive the task, your previous steps and the current page: its URL, title,
visible text and the interactive elements, each prefixed with an [index].

Reply with exactly one JSON object and nothing else:
{
  "current_state": {
    "evaluation_previous_goal": "Success|Failed|Unknown - short analysis of the last action",
    "memory": "what has been checked so far",
    "next_goal": "what the next action should achieve"
  },
  "action": {"name": "<action>", ...parameters}
}

Actions:
- {"name": "click", "index": 3}
- {"name": "fill", "index": 5, "text": "value"}
- {"name": "press", "key": "Enter"}
- {"name": "scroll", "delta_y": 600}        (negative scrolls up)
- {"name": "navigate", "url": "https://..."}
- {"name": "go_back"}
- {"name": "wait", "seconds": 2}
- {"name": "enable_logging"}                (capture console and network traffic)
- {"name": "done", "approved": true, "summary": "why"}

Use "done" as soon as you can decide. "approved" is true only if the feature works as described.`

type historyEntry struct {
	Step   int    `json:"step"`
	Output Output `json:"output"`
	Result string `json:"result,omitempty"`
}

func renderTask(task string, history []historyEntry, obs browser.Observation, step int, maxSteps int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\n", task)
	fmt.Fprintf(&b, "Step %d of %d.\n\n", step, maxSteps)

	if len(history) > 0 {
		b.WriteString("Previous steps:\n")
		start := 0
		if len(history) > maxHistoryInPrompt {
			start = len(history) - maxHistoryInPrompt
		}
		for _, entry := range history[start:] {
			fmt.Fprintf(&b, "%d. %s", entry.Step, describeAction(entry.Output.Action))
			if entry.Output.CurrentState.NextGoal != "" {
				fmt.Fprintf(&b, " (goal: %s)", entry.Output.CurrentState.NextGoal)
			}
			if entry.Result != "" {
				fmt.Fprintf(&b, " -> %s", entry.Result)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Current URL: %s\nTitle: %s\n\n", obs.URL, obs.Title)
	b.WriteString("Interactive elements:\n")
	if len(obs.Elements) == 0 {
		b.WriteString("(none)\n")
	}
	for _, element := range obs.Elements {
		b.WriteString(describeElement(element))
		b.WriteString("\n")
	}
	if obs.Text != "" {
		fmt.Fprintf(&b, "\nVisible text:\n%s\n", obs.Text)
	}
	if len(obs.Console) > 0 {
		fmt.Fprintf(&b, "\nConsole:\n%s\n", strings.Join(obs.Console, "\n"))
	}
	if len(obs.Network) > 0 {
		fmt.Fprintf(&b, "\nNetwork:\n%s\n", strings.Join(obs.Network, "\n"))
	}
	return b.String()
}

func describeElement(element browser.Element) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] <%s", element.Index, element.Tag)
	keys := make([]string, 0, len(element.Attributes))
	for key := range element.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%q", key, element.Attributes[key])
	}
	b.WriteString(">")
	if element.Text != "" {
		b.WriteString(" ")
		b.WriteString(element.Text)
	}
	return b.String()
}

func describeAction(action Action) string {
	switch action.Name {
	case ActionClick:
		return fmt.Sprintf("click [%d]", derefIndex(action.Index))
	case ActionFill:
		return fmt.Sprintf("fill [%d] with %q", derefIndex(action.Index), action.Text)
	case ActionPress:
		return "press " + action.Key
	case ActionScroll:
		return fmt.Sprintf("scroll %d", action.DeltaY)
	case ActionNavigate:
		return "navigate " + action.URL
	case ActionWait:
		return fmt.Sprintf("wait %.1fs", action.Seconds)
	default:
		return action.Name
	}
}

func derefIndex(index *int) int {
	if index == nil {
		return -1
	}
	return *index
}
