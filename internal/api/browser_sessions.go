package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/anchor"
)

type createBrowserSessionRequest struct {
	Headless    *bool `json:"headless"`
	Recording   *bool `json:"recording"`
	IdleTimeout int   `json:"idle_timeout"`
	Timeout     int   `json:"timeout"`
}

type browserSessionResponse struct {
	ID          string `json:"id"`
	LiveViewURL string `json:"live_view_url,omitempty"`
}

type recordingResponse struct {
	AnchorSessionID string `json:"anchor_session_id"`
	URL             string `json:"url"`
}

// createBrowserSession provisions a remote browser whose id can be passed as
// anchor_session_id in a test run.
func (s *Server) createBrowserSession(w http.ResponseWriter, r *http.Request) {
	if s.anchor == nil {
		writeDetail(w, "anchor browser is not configured", http.StatusServiceUnavailable)
		return
	}
	var req createBrowserSessionRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	opts := anchor.DefaultSessionOptions()
	if req.Headless != nil {
		opts.Headless = *req.Headless
	}
	if req.Recording != nil {
		opts.Recording.Active = *req.Recording
	}
	if req.IdleTimeout > 0 {
		opts.IdleTimeout = req.IdleTimeout
	}
	if req.Timeout > 0 {
		opts.Timeout = req.Timeout
	}

	session, err := s.anchor.CreateSession(r.Context(), opts)
	if err != nil {
		s.logger.Warn("create anchor session failed", zap.Error(err))
		writeDetail(w, err.Error(), anchorErrorStatus(err))
		return
	}
	writeJSONStatus(w, browserSessionResponse{ID: session.ID, LiveViewURL: session.LiveViewURL}, http.StatusCreated)
}

func (s *Server) getRecording(w http.ResponseWriter, r *http.Request) {
	if s.anchor == nil {
		writeDetail(w, "anchor browser is not configured", http.StatusServiceUnavailable)
		return
	}
	anchorSessionID := chi.URLParam(r, "id")
	recordingURL, err := s.anchor.RecordingURL(r.Context(), anchorSessionID)
	if err != nil {
		writeDetail(w, err.Error(), anchorErrorStatus(err))
		return
	}
	if recordingURL == "" {
		writeDetail(w, "recording not available", http.StatusNotFound)
		return
	}
	writeJSONStatus(w, recordingResponse{AnchorSessionID: anchorSessionID, URL: recordingURL}, http.StatusOK)
}

func anchorErrorStatus(err error) int {
	if errors.Is(err, anchor.ErrMissingAPIKey) {
		return http.StatusServiceUnavailable
	}
	var statusErr *anchor.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
		return statusErr.StatusCode
	}
	return http.StatusBadGateway
}
