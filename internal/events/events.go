package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store"
)

const (
	TypeRunQueued          = "run.queued"
	TypeRunStarted         = "run.started"
	TypeRunNavigated       = "run.navigated"
	TypeRunCompleted       = "run.completed"
	TypeRunFailed          = "run.failed"
	TypeSubmoduleStarted   = "submodule.started"
	TypeSubmoduleCompleted = "submodule.completed"
	TypeSubmoduleFailed    = "submodule.failed"
	TypeAgentStep          = "agent.step"
)

const (
	SourceRunner   = "runner"
	SourceAgent    = "agent"
	SourceWorkflow = "workflow"
	SourceAPI      = "api"
)

type RunEvent struct {
	RunID   string         `json:"run_id"`
	Seq     int64          `json:"seq"`
	Type    string         `json:"type"`
	Ts      string         `json:"ts"`
	Source  string         `json:"source"`
	TraceID string         `json:"trace_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

// Terminal reports whether no further events follow for the run.
func (e RunEvent) Terminal() bool {
	switch e.Type {
	case TypeRunCompleted, TypeRunFailed:
		return true
	default:
		return false
	}
}

func NormalizeType(eventType string) string {
	return strings.TrimSpace(strings.ToLower(eventType))
}

// ValidateType rejects empty types and the underscore spelling. Readers
// normalize legacy "_" types but new events are written dotted.
func ValidateType(eventType string) error {
	normalized := NormalizeType(eventType)
	if normalized == "" {
		return fmt.Errorf("event type required")
	}
	if strings.Contains(normalized, "_") {
		return fmt.Errorf("event type %q must use '.' separators", eventType)
	}
	return nil
}

func FromStore(event store.RunEvent) RunEvent {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return RunEvent{
		RunID:   event.RunID,
		Seq:     event.Seq,
		Type:    event.Type,
		Ts:      event.Timestamp,
		Source:  event.Source,
		TraceID: event.TraceID,
		Payload: payload,
	}
}

func (e RunEvent) ToStore() store.RunEvent {
	ts := e.Ts
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return store.RunEvent{
		RunID:     e.RunID,
		Seq:       e.Seq,
		Type:      NormalizeType(e.Type),
		Timestamp: ts,
		Source:    e.Source,
		TraceID:   e.TraceID,
		Payload:   e.Payload,
	}
}

// Broker fans run events out to live subscribers. Slow subscribers drop
// events rather than block the publisher; they can replay from the store.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan RunEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan RunEvent]struct{}{},
	}
}

func (b *Broker) Subscribe(ctx context.Context, runID string) <-chan RunEvent {
	ch := make(chan RunEvent, 16)

	b.mu.Lock()
	if b.subscribers[runID] == nil {
		b.subscribers[runID] = map[chan RunEvent]struct{}{}
	}
	b.subscribers[runID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[runID] != nil {
			delete(b.subscribers[runID], ch)
			if len(b.subscribers[runID]) == 0 {
				delete(b.subscribers, runID)
			}
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish delivers under the read lock so a concurrent unsubscribe cannot
// close a channel mid-send.
func (b *Broker) Publish(event RunEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Broker) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[runID])
}
