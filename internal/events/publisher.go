package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store"
)

// Fanout receives events once they are stored. *Broker implements it.
type Fanout interface {
	Publish(event RunEvent)
}

// Publisher persists an event with the next sequence number for its run
// and then fans it out to live subscribers.
type Publisher struct {
	store  store.Store
	broker Fanout
}

func NewPublisher(s store.Store, broker Fanout) *Publisher {
	return &Publisher{store: s, broker: broker}
}

func (p *Publisher) Emit(ctx context.Context, runID string, eventType string, source string, payload map[string]any) error {
	return p.Append(ctx, RunEvent{
		RunID:   runID,
		Type:    eventType,
		Source:  source,
		Payload: payload,
	})
}

// Append assigns Seq, Ts and TraceID when missing. The stored event is
// published only after the store accepted it.
func (p *Publisher) Append(ctx context.Context, event RunEvent) error {
	if err := ValidateType(event.Type); err != nil {
		return err
	}
	if event.Seq <= 0 {
		seq, err := p.store.NextSeq(ctx, event.RunID)
		if err != nil {
			return err
		}
		event.Seq = seq
	}
	if event.Ts == "" {
		event.Ts = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.TraceID == "" {
		event.TraceID = uuid.New().String()
	}
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	stored := event.ToStore()
	if err := p.store.AppendEvent(ctx, stored); err != nil {
		return err
	}
	if p.broker != nil {
		p.broker.Publish(FromStore(stored))
	}
	return nil
}
