package api

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/drover/internal/events"
)

func testServer(apiKey string) *Server {
	hub := events.NewHub(32)
	return New(Config{Listen: "127.0.0.1:0", APIKey: apiKey}, hub, slog.Default())
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	s := testServer("secret-token")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := s.authMiddleware(next)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-token", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer secret-token", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/run", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthMiddlewareDisabledWithoutKey(t *testing.T) {
	t.Parallel()

	s := testServer("")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/run", nil)
	rec := httptest.NewRecorder()
	s.authMiddleware(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := testServer("")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRunSnapshotFoldsEvents(t *testing.T) {
	t.Parallel()

	s := testServer("")
	publish := func(eventType string, data any) {
		payload, _ := json.Marshal(data)
		s.applyEvent(events.Event{Type: eventType, Data: payload})
	}

	publish(events.TypeRunStarted, map[string]any{"run_id": "run-1", "targets": 3})
	publish(events.TypeCompleted, map[string]any{"target": "a", "succeeded": true})
	publish(events.TypeCompleted, map[string]any{"target": "b", "succeeded": false})
	publish(events.TypeStalled, map[string]any{"target": "c"})
	publish(events.TypeDead, map[string]any{"target": "c"})
	publish(events.TypeRunFinished, map[string]any{"run_id": "run-1"})

	req := httptest.NewRequest(http.MethodGet, "/v1/run", nil)
	rec := httptest.NewRecorder()
	s.handleRun(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap RunSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, 3, snap.Targets)
	assert.Equal(t, 3, snap.Completed) // a, b, dead c
	assert.Equal(t, 2, snap.Failed)    // b, dead c
	assert.Equal(t, 1, snap.Stalls)
	assert.True(t, snap.Finished)
}

func TestRunStartedResetsSnapshot(t *testing.T) {
	t.Parallel()

	s := testServer("")
	publish := func(eventType string, data any) {
		payload, _ := json.Marshal(data)
		s.applyEvent(events.Event{Type: eventType, Data: payload})
	}

	publish(events.TypeRunStarted, map[string]any{"run_id": "run-1", "targets": 1})
	publish(events.TypeCompleted, map[string]any{"succeeded": true})
	publish(events.TypeRunStarted, map[string]any{"run_id": "run-2", "targets": 5})

	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()
	assert.Equal(t, "run-2", snap.RunID)
	assert.Equal(t, 5, snap.Targets)
	assert.Equal(t, 0, snap.Completed)
}

func TestParseLastEventID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"42", 42},
		{"-3", 0},
		{"abc", 0},
	}
	for _, tt := range tests {
		if got := parseLastEventID(tt.in); got != tt.want {
			t.Errorf("parseLastEventID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEventsStreamStaysLive(t *testing.T) {
	t.Parallel()

	// An event published after the client connects must still arrive: the
	// stream may not EOF once the buffered replay is done.
	s := testServer("")
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(ts.URL + "/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.hub.Publish(events.TypeCompleted, map[string]any{"target": "orcl1", "succeeded": true})
	}()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err, "stream closed before the live event arrived")
		if strings.Contains(line, events.TypeCompleted) {
			return
		}
	}
}

func TestWriteSSEFraming(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	err := writeSSE(rec, events.Event{ID: 7, Type: events.TypeCompleted, Data: []byte(`{"target":"a"}`)})
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, "id: 7\n")
	assert.Contains(t, body, "event: unit.completed\n")
	assert.Contains(t, body, "data: {\"target\":\"a\"}\n\n")
}
