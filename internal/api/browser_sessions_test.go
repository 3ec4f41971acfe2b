package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/anchor"
	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/config"
)

func TestCreateBrowserSession(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		server := newTestServer(t, &MockStore{}, &MockBroker{}, nil, nil, config.Config{})
		defer server.Close()

		resp, err := http.Post(server.URL+"/browser/sessions", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("applies overrides to defaults", func(t *testing.T) {
		anchorMock := &MockAnchor{}
		expected := anchor.DefaultSessionOptions()
		expected.Headless = true
		expected.Timeout = 30
		anchorMock.On("CreateSession", mock.Anything, expected).Return(anchor.Session{ID: "anc-1", LiveViewURL: "https://live.test/anc-1"}, nil).Once()

		server := newTestServer(t, &MockStore{}, &MockBroker{}, nil, nil, config.Config{}, WithAnchor(anchorMock))
		defer server.Close()

		resp, err := http.Post(server.URL+"/browser/sessions", "application/json", strings.NewReader(`{"headless":true,"timeout":30}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var payload browserSessionResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		require.Equal(t, "anc-1", payload.ID)
		require.Equal(t, "https://live.test/anc-1", payload.LiveViewURL)
		anchorMock.AssertExpectations(t)
	})

	t.Run("empty body uses defaults", func(t *testing.T) {
		anchorMock := &MockAnchor{}
		anchorMock.On("CreateSession", mock.Anything, anchor.DefaultSessionOptions()).Return(anchor.Session{ID: "anc-2"}, nil).Once()

		server := newTestServer(t, &MockStore{}, &MockBroker{}, nil, nil, config.Config{}, WithAnchor(anchorMock))
		defer server.Close()

		resp, err := http.Post(server.URL+"/browser/sessions", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		anchorMock.AssertExpectations(t)
	})

	t.Run("maps anchor errors", func(t *testing.T) {
		anchorMock := &MockAnchor{}
		anchorMock.On("CreateSession", mock.Anything, mock.Anything).Return(anchor.Session{}, &anchor.StatusError{StatusCode: http.StatusUnauthorized, Message: "bad key"}).Once()
		anchorMock.On("CreateSession", mock.Anything, mock.Anything).Return(anchor.Session{}, errors.New("dial tcp: refused")).Once()

		server := newTestServer(t, &MockStore{}, &MockBroker{}, nil, nil, config.Config{}, WithAnchor(anchorMock))
		defer server.Close()

		resp, err := http.Post(server.URL+"/browser/sessions", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp, err = http.Post(server.URL+"/browser/sessions", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		var payload map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		require.Equal(t, "dial tcp: refused", payload["detail"])
		anchorMock.AssertExpectations(t)
	})
}

func TestGetRecording(t *testing.T) {
	anchorMock := &MockAnchor{}
	anchorMock.On("RecordingURL", mock.Anything, "anc-1").Return("https://cdn.test/anc-1.mp4", nil).Once()
	anchorMock.On("RecordingURL", mock.Anything, "anc-2").Return("", nil).Once()
	anchorMock.On("RecordingURL", mock.Anything, "anc-3").Return("", anchor.ErrMissingAPIKey).Once()

	server := newTestServer(t, &MockStore{}, &MockBroker{}, nil, nil, config.Config{}, WithAnchor(anchorMock))
	defer server.Close()

	resp, err := http.Get(server.URL + "/browser/sessions/anc-1/recording")
	require.NoError(t, err)
	var payload recordingResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, recordingResponse{AnchorSessionID: "anc-1", URL: "https://cdn.test/anc-1.mp4"}, payload)

	resp, err = http.Get(server.URL + "/browser/sessions/anc-2/recording")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(server.URL + "/browser/sessions/anc-3/recording")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	anchorMock.AssertExpectations(t)
}
