package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/events"
)

const sseHeartbeat = 15 * time.Second

type ingestEventRequest struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp string         `json:"timestamp"`
	TraceID   string         `json:"trace_id"`
	Payload   map[string]any `json:"payload"`
}

// ingestEvent accepts events reported by workers. Transient payloads are
// fanned out to live subscribers without being stored.
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		http.Error(w, "event type required", http.StatusBadRequest)
		return
	}
	if strings.Contains(req.Type, "_") {
		http.Error(w, "event type must use dot notation", http.StatusBadRequest)
		return
	}

	event := events.RunEvent{
		RunID:   runID,
		Type:    events.NormalizeType(req.Type),
		Ts:      strings.TrimSpace(req.Timestamp),
		Source:  req.Source,
		TraceID: strings.TrimSpace(req.TraceID),
		Payload: req.Payload,
	}
	if isTransientPayload(req.Payload) {
		if event.Ts == "" {
			event.Ts = time.Now().UTC().Format(time.RFC3339Nano)
		}
		if event.TraceID == "" {
			event.TraceID = uuid.New().String()
		}
		s.broker.Publish(event)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.publisher.Append(r.Context(), event); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func isTransientPayload(payload map[string]any) bool {
	if payload == nil {
		return false
	}
	if value, ok := payload["transient"]; ok {
		if flag, ok := value.(bool); ok {
			return flag
		}
	}
	return false
}

// streamEvents replays stored events after the client's cursor and then
// follows the run live. The stream ends after a terminal event.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	// Subscribe before replaying so nothing published in between is lost.
	live := s.broker.Subscribe(ctx, runID)
	afterSeq := parseAfterSeq(runID, r)
	stored, err := s.store.ListEvents(ctx, runID, afterSeq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, item := range stored {
		event := events.FromStore(item)
		sendSSE(w, event)
		flusher.Flush()
		afterSeq = event.Seq
		if event.Terminal() {
			return
		}
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-live:
			if !ok {
				return
			}
			if event.Seq > 0 {
				if event.Seq <= afterSeq {
					continue
				}
				afterSeq = event.Seq
			}
			sendSSE(w, event)
			flusher.Flush()
			if event.Terminal() {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, event events.RunEvent) {
	payload, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %s:%d\n", event.RunID, event.Seq)
	fmt.Fprint(w, "event: run_event\n")
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func parseAfterSeq(runID string, r *http.Request) int64 {
	afterParam := strings.TrimSpace(r.URL.Query().Get("after_seq"))
	if afterParam != "" {
		if parsed, err := strconv.ParseInt(afterParam, 10, 64); err == nil {
			return parsed
		}
	}
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		return 0
	}
	parts := strings.Split(lastEventID, ":")
	if len(parts) != 2 {
		return 0
	}
	if parts[0] != runID {
		return 0
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
