package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	ActionClick         = "click"
	ActionFill          = "fill"
	ActionPress         = "press"
	ActionScroll        = "scroll"
	ActionNavigate      = "navigate"
	ActionGoBack        = "go_back"
	ActionWait          = "wait"
	ActionEnableLogging = "enable_logging"
	ActionDone          = "done"
)

var knownActions = map[string]bool{
	ActionClick:         true,
	ActionFill:          true,
	ActionPress:         true,
	ActionScroll:        true,
	ActionNavigate:      true,
	ActionGoBack:        true,
	ActionWait:          true,
	ActionEnableLogging: true,
	ActionDone:          true,
}

var ErrNoJSON = errors.New("model reply did not contain a JSON object")

type State struct {
	Evaluation string `json:"evaluation_previous_goal,omitempty"`
	Memory     string `json:"memory,omitempty"`
	NextGoal   string `json:"next_goal,omitempty"`
}

type Action struct {
	Name     string  `json:"name"`
	Index    *int    `json:"index,omitempty"`
	Text     string  `json:"text,omitempty"`
	Key      string  `json:"key,omitempty"`
	URL      string  `json:"url,omitempty"`
	DeltaY   int     `json:"delta_y,omitempty"`
	Seconds  float64 `json:"seconds,omitempty"`
	Approved *bool   `json:"approved,omitempty"`
	Summary  string  `json:"summary,omitempty"`
}

// Output is one model decision.
type Output struct {
	CurrentState State  `json:"current_state"`
	Action       Action `json:"action"`
}

// ParseOutput extracts the JSON decision from a model reply, tolerating code
// fences and prose around the object.
func ParseOutput(reply string) (Output, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Output{}, ErrNoJSON
	}
	var output Output
	if err := json.Unmarshal([]byte(reply[start:end+1]), &output); err != nil {
		return Output{}, fmt.Errorf("decode model reply: %w", err)
	}
	output.Action.Name = strings.ToLower(strings.TrimSpace(output.Action.Name))
	if err := output.Action.validate(); err != nil {
		return Output{}, err
	}
	return output, nil
}

func (a Action) validate() error {
	if !knownActions[a.Name] {
		return fmt.Errorf("unknown action %q", a.Name)
	}
	switch a.Name {
	case ActionClick:
		if a.Index == nil {
			return errors.New("click requires index")
		}
	case ActionFill:
		if a.Index == nil {
			return errors.New("fill requires index")
		}
	case ActionPress:
		if strings.TrimSpace(a.Key) == "" {
			return errors.New("press requires key")
		}
	case ActionNavigate:
		if strings.TrimSpace(a.URL) == "" {
			return errors.New("navigate requires url")
		}
	}
	return nil
}
