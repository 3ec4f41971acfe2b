package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store"
)

type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]store.TestRun
	events   map[string][]store.RunEvent
	runSteps map[string]map[string]store.RunStep
	seq      map[string]int64
}

func New() *MemoryStore {
	return &MemoryStore{
		runs:     map[string]store.TestRun{},
		events:   map[string][]store.RunEvent{},
		runSteps: map[string]map[string]store.RunStep{},
		seq:      map[string]int64{},
	}
}

func (m *MemoryStore) CreateTestRun(ctx context.Context, run store.TestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(run.Status) == "" {
		run.Status = store.StatusQueued
	}
	if strings.TrimSpace(run.Mode) == "" {
		run.Mode = store.ModeSync
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if run.CreatedAt == "" {
		run.CreatedAt = now
	}
	if run.UpdatedAt == "" {
		run.UpdatedAt = run.CreatedAt
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *MemoryStore) GetTestRun(ctx context.Context, runID string) (*store.TestRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	cloned := cloneRun(run)
	return &cloned, nil
}

func (m *MemoryStore) ListTestRuns(ctx context.Context) ([]store.TestRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.TestRun, 0, len(m.runs))
	for _, run := range m.runs {
		results = append(results, cloneRun(run))
	}
	sort.Slice(results, func(i, j int) bool {
		left := parseTime(results[i].UpdatedAt)
		right := parseTime(results[j].UpdatedAt)
		if left.Equal(right) {
			return results[i].ID < results[j].ID
		}
		return left.After(right)
	})
	return results, nil
}

func (m *MemoryStore) SaveTestRunResult(ctx context.Context, runID string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil
	}
	run.Result = append(json.RawMessage(nil), result...)
	run.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	m.runs[runID] = run
	return nil
}

func (m *MemoryStore) DeleteTestRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	delete(m.events, runID)
	delete(m.runSteps, runID)
	delete(m.seq, runID)
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Type = store.NormalizeEventType(event.Type)
	event.Payload = cloneMap(event.Payload)
	m.events[event.RunID] = append(m.events[event.RunID], event)
	m.applyRunStepLocked(event)
	m.applyRunStateLocked(event)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[runID]
	if afterSeq <= 0 {
		return append([]store.RunEvent{}, events...), nil
	}
	filtered := []store.RunEvent{}
	for _, event := range events {
		if event.Seq > afterSeq {
			filtered = append(filtered, event)
		}
	}
	return filtered, nil
}

func (m *MemoryStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[runID] += 1
	return m.seq[runID], nil
}

func (m *MemoryStore) ListRunSteps(ctx context.Context, runID string) ([]store.RunStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stepsByID := m.runSteps[runID]
	if len(stepsByID) == 0 {
		return []store.RunStep{}, nil
	}

	steps := make([]store.RunStep, 0, len(stepsByID))
	for _, step := range stepsByID {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Seq == steps[j].Seq {
			return steps[i].ID < steps[j].ID
		}
		return steps[i].Seq < steps[j].Seq
	})
	return steps, nil
}

func (m *MemoryStore) applyRunStepLocked(event store.RunEvent) {
	step, ok := store.BuildRunStepFromEvent(event)
	if !ok {
		return
	}
	if m.runSteps[event.RunID] == nil {
		m.runSteps[event.RunID] = map[string]store.RunStep{}
	}
	existing, exists := m.runSteps[event.RunID][step.ID]
	if !exists {
		m.runSteps[event.RunID][step.ID] = step
		return
	}
	m.runSteps[event.RunID][step.ID] = store.MergeRunStep(existing, step)
}

func (m *MemoryStore) applyRunStateLocked(event store.RunEvent) {
	run, ok := m.runs[event.RunID]
	if !ok {
		return
	}
	if status := store.StatusFromEvent(event.Type); status != "" {
		run.Status = status
		switch status {
		case store.StatusFailed:
			run.Error = readString(event.Payload, "error")
		case store.StatusRunning, store.StatusCompleted:
			run.Error = ""
		}
	}
	if event.Seq > run.LastSeq {
		run.LastSeq = event.Seq
	}
	if strings.TrimSpace(event.Timestamp) != "" {
		run.UpdatedAt = event.Timestamp
	}
	m.runs[event.RunID] = run
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func readString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func cloneRun(run store.TestRun) store.TestRun {
	cloned := run
	cloned.Request = append(json.RawMessage(nil), run.Request...)
	cloned.Result = append(json.RawMessage(nil), run.Result...)
	return cloned
}

func cloneMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
