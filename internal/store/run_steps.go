package store

import (
	"fmt"
	"strings"
)

const (
	StepKindSubmodule = "submodule"
	StepKindAgentStep = "agent_step"
)

func BuildRunStepFromEvent(event RunEvent) (RunStep, bool) {
	eventType := NormalizeEventType(event.Type)
	switch eventType {
	case "submodule.started":
		stepID := firstString(event.Payload, "step_id")
		if stepID == "" {
			stepID = fmt.Sprintf("submodule-%d", event.Seq)
		}
		step := RunStep{
			RunID:     event.RunID,
			ID:        stepID,
			Name:      defaultString(firstString(event.Payload, "name", "title"), stepID),
			Kind:      StepKindSubmodule,
			Status:    StatusRunning,
			Source:    event.Source,
			Seq:       event.Seq,
			StartedAt: event.Timestamp,
		}
		step.Diagnostics = buildDiagnostics(event, step)
		return step, true
	case "submodule.completed", "submodule.failed":
		stepID := firstString(event.Payload, "step_id")
		if stepID == "" {
			stepID = fmt.Sprintf("submodule-%d", event.Seq)
		}
		status := StatusCompleted
		if eventType == "submodule.failed" {
			status = StatusFailed
		}
		step := RunStep{
			RunID:       event.RunID,
			ID:          stepID,
			Name:        defaultString(firstString(event.Payload, "name", "title"), stepID),
			Kind:        StepKindSubmodule,
			Status:      status,
			Approved:    readBool(event.Payload, "approved"),
			Source:      event.Source,
			Seq:         event.Seq,
			CompletedAt: event.Timestamp,
			Error:       firstString(event.Payload, "error"),
		}
		step.Diagnostics = buildDiagnostics(event, step)
		return step, true
	case "agent.step":
		stepID := firstString(event.Payload, "step_id")
		if stepID == "" {
			stepID = fmt.Sprintf("agent-step-%d", event.Seq)
		}
		name := firstString(event.Payload, "action")
		if name == "" {
			name = fmt.Sprintf("step %d", firstInt(event.Payload, "step"))
		}
		step := RunStep{
			RunID:        event.RunID,
			ID:           stepID,
			ParentStepID: firstString(event.Payload, "parent_step_id"),
			Name:         name,
			Kind:         StepKindAgentStep,
			Status:       StatusCompleted,
			Source:       event.Source,
			Seq:          event.Seq,
			StartedAt:    event.Timestamp,
			CompletedAt:  event.Timestamp,
		}
		step.Diagnostics = buildDiagnostics(event, step)
		return step, true
	default:
		return RunStep{}, false
	}
}

func MergeRunStep(existing RunStep, incoming RunStep) RunStep {
	merged := existing

	if merged.RunID == "" {
		merged.RunID = incoming.RunID
	}
	if merged.ID == "" {
		merged.ID = incoming.ID
	}
	if merged.ParentStepID == "" {
		merged.ParentStepID = incoming.ParentStepID
	}
	if merged.Name == "" {
		merged.Name = incoming.Name
	}
	if merged.Kind == "" {
		merged.Kind = incoming.Kind
	}
	if incoming.Source != "" {
		merged.Source = incoming.Source
	}
	if incoming.Status != "" {
		merged.Status = incoming.Status
	}
	if incoming.Approved != nil {
		approved := *incoming.Approved
		merged.Approved = &approved
	}
	if merged.Seq == 0 || (incoming.Seq > 0 && incoming.Seq < merged.Seq) {
		merged.Seq = incoming.Seq
	}
	if merged.StartedAt == "" && incoming.StartedAt != "" {
		merged.StartedAt = incoming.StartedAt
	}
	if incoming.CompletedAt != "" {
		merged.CompletedAt = incoming.CompletedAt
	}
	if incoming.Error != "" {
		merged.Error = incoming.Error
	}
	if merged.Diagnostics == nil {
		merged.Diagnostics = map[string]any{}
	}
	for key, value := range incoming.Diagnostics {
		merged.Diagnostics[key] = value
	}
	if merged.Name == "" {
		merged.Name = merged.ID
	}
	if merged.Status == "" {
		merged.Status = StatusRunning
	}
	return merged
}

// NormalizeEventType lowercases the type and accepts "_" as a separator.
func NormalizeEventType(eventType string) string {
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	return strings.ReplaceAll(normalized, "_", ".")
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func firstString(payload map[string]any, keys ...string) string {
	if payload == nil {
		return ""
	}
	for _, key := range keys {
		value, ok := payload[key]
		if !ok {
			continue
		}
		if typed, ok := value.(string); ok {
			if trimmed := strings.TrimSpace(typed); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func firstInt(payload map[string]any, keys ...string) int {
	if payload == nil {
		return 0
	}
	for _, key := range keys {
		value, ok := payload[key]
		if !ok {
			continue
		}
		switch typed := value.(type) {
		case int:
			return typed
		case int64:
			return int(typed)
		case float64:
			return int(typed)
		}
	}
	return 0
}

func readBool(payload map[string]any, key string) *bool {
	if payload == nil {
		return nil
	}
	value, ok := payload[key].(bool)
	if !ok {
		return nil
	}
	return &value
}

func buildDiagnostics(event RunEvent, step RunStep) map[string]any {
	diagnostics := map[string]any{}
	for key, value := range event.Payload {
		diagnostics[key] = value
	}
	diagnostics["source"] = event.Source
	diagnostics["seq"] = event.Seq
	diagnostics["kind"] = step.Kind
	if step.Error != "" {
		diagnostics["error"] = step.Error
	}
	if event.TraceID != "" {
		diagnostics["trace_id"] = event.TraceID
	}
	return diagnostics
}
