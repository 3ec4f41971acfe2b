package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store"
)

func receiveEvent(t *testing.T, ch <-chan RunEvent) RunEvent {
	t.Helper()

	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()

	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before receive")
		}
		return ev
	case <-timer.C:
		t.Fatal("timed out waiting for event")
	}
	return RunEvent{}
}

func waitForClosed(t *testing.T, ch <-chan RunEvent) {
	t.Helper()

	timer := time.NewTimer(500 * time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timer.C:
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func TestValidateType(t *testing.T) {
	cases := map[string]bool{
		TypeAgentStep:         true,
		" Submodule.Started ": true,
		"":                    false,
		"run_completed":       false,
	}
	for eventType, ok := range cases {
		err := ValidateType(eventType)
		if ok && err != nil {
			t.Fatalf("%q: unexpected error %v", eventType, err)
		}
		if !ok && err == nil {
			t.Fatalf("%q: expected error", eventType)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !(RunEvent{Type: TypeRunCompleted}).Terminal() || !(RunEvent{Type: TypeRunFailed}).Terminal() {
		t.Fatal("expected run.completed and run.failed to be terminal")
	}
	if (RunEvent{Type: TypeSubmoduleFailed}).Terminal() {
		t.Fatal("submodule.failed is not terminal")
	}
}

func TestStoreConversion(t *testing.T) {
	converted := FromStore(store.RunEvent{RunID: "run-1", Seq: 4, Type: "agent.step", Timestamp: "2026-02-07T00:00:00Z", Source: SourceAgent})
	if converted.Ts != "2026-02-07T00:00:00Z" || converted.Payload == nil {
		t.Fatalf("unexpected conversion: %+v", converted)
	}

	back := RunEvent{RunID: "run-1", Seq: 5, Type: " Run.Completed "}.ToStore()
	if back.Type != TypeRunCompleted {
		t.Fatalf("expected normalized type, got %q", back.Type)
	}
	if _, err := time.Parse(time.RFC3339Nano, back.Timestamp); err != nil {
		t.Fatalf("expected timestamp to be filled: %v", err)
	}
}

func TestSubscribe_RemovedOnCancel(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())

	ch := b.Subscribe(ctx, "run-1")
	other := b.Subscribe(context.Background(), "run-1")
	if got := b.Subscribers("run-1"); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}

	cancel()
	waitForClosed(t, ch)
	if got := b.Subscribers("run-1"); got != 1 {
		t.Fatalf("expected 1 subscriber after cancel, got %d", got)
	}

	b.Publish(RunEvent{RunID: "run-1", Seq: 1, Type: TypeRunStarted})
	if ev := receiveEvent(t, other); ev.Type != TypeRunStarted {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "run-1")
	for i := 0; i < 20; i++ {
		b.Publish(RunEvent{RunID: "run-1", Seq: int64(i + 1)})
	}
	if len(ch) != 16 {
		t.Fatalf("expected full buffer of 16, got %d", len(ch))
	}
	if first := receiveEvent(t, ch); first.Seq != 1 {
		t.Fatalf("expected earliest event first, got seq %d", first.Seq)
	}
}

func TestPublish_ScopedToRun(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "run-2")
	b.Publish(RunEvent{RunID: "run-1", Seq: 1})

	select {
	case <-ch:
		t.Fatal("unexpected event for different run")
	default:
	}
}

func TestConcurrent_SubscribePublishCancel(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	var mu sync.Mutex
	chans := make([]<-chan RunEvent, 0, 32)
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch := b.Subscribe(ctx, "run-1")
			mu.Lock()
			chans = append(chans, ch)
			mu.Unlock()
		}()
		go func(seq int) {
			defer wg.Done()
			b.Publish(RunEvent{RunID: "run-1", Seq: int64(seq)})
		}(i)
	}
	wg.Wait()
	cancel()

	for _, ch := range chans {
		waitForClosed(t, ch)
	}
	if got := b.Subscribers("run-1"); got != 0 {
		t.Fatalf("expected no subscribers, got %d", got)
	}
}
