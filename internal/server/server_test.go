package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vincentbai/lmstrace/internal/database"
	"github.com/vincentbai/lmstrace/internal/models"
	"github.com/vincentbai/lmstrace/internal/transport"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewServer(db, "127.0.0.1:0", zerolog.Nop()) // Port 0 for testing
}

func testEvents() []models.Event {
	return []models.Event{
		{EventType: models.PageLoad, SessionID: "sess_1_abcdefghi", Timestamp: 1700000000000, Data: map[string]any{"url": "http://lms.test/assignment/42"}},
		{EventType: models.Click, SessionID: "sess_1_abcdefghi", Timestamp: 1700000000500, Data: map[string]any{"x": 100, "y": 200, "assignmentId": 42}},
	}
}

func postEvents(t *testing.T, handler http.Handler, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, transport.EventsPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestNewServer(t *testing.T) {
	server := setupTestServer(t)

	if server.db == nil {
		t.Fatal("Expected non-nil database")
	}
	if server.address != "127.0.0.1:0" {
		t.Errorf("Expected address 127.0.0.1:0, got %s", server.address)
	}
}

func TestHandleHealthz(t *testing.T) {
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	server.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if body := w.Body.String(); body != "ok" {
		t.Errorf("Expected body 'ok', got %s", body)
	}
}

func TestHandleEventsSuccess(t *testing.T) {
	server := setupTestServer(t)

	jsonData, _ := json.Marshal(models.Batch{Events: testEvents()})
	w := postEvents(t, http.HandlerFunc(server.handleEvents), jsonData)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status   string `json:"status"`
		Received int    `json:"received"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Received != 2 {
		t.Errorf("Expected ok/2, got %s/%d", resp.Status, resp.Received)
	}
}

func TestHandleEventsMethodNotAllowed(t *testing.T) {
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, transport.EventsPath, nil)
	w := httptest.NewRecorder()
	server.handleEvents(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
	if allow := w.Header().Get("Allow"); allow != "GET, POST" {
		t.Errorf("Expected Allow header, got %q", allow)
	}
}

func TestHandleEventsBadRequests(t *testing.T) {
	server := setupTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"events": [invalid json]}`},
		{"empty body", ``},
		{"empty object", `{}`},
		{"null body", `null`},
		{"events not a list", `{"events": {"eventType": "click"}}`},
		{"events is null", `{"events": null}`},
		{"unknown event type", `{"events": [{"eventType": "navigate", "sessionId": "s", "timestamp": 1, "data": {}}]}`},
		{"missing session", `{"events": [{"eventType": "click", "timestamp": 1, "data": {}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postEvents(t, http.HandlerFunc(server.handleEvents), []byte(tt.body))
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestHandleEventsEmptyBatch(t *testing.T) {
	server := setupTestServer(t)

	w := postEvents(t, http.HandlerFunc(server.handleEvents), []byte(`{"events": []}`))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestHandleEventsWithoutEventsKey(t *testing.T) {
	server := setupTestServer(t)

	w := postEvents(t, http.HandlerFunc(server.handleEvents), []byte(`{"assignmentId": 42}`))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["received"] != float64(0) {
		t.Errorf("Expected received 0, got %v", response["received"])
	}
}

func TestHandleEventsContentType(t *testing.T) {
	server := setupTestServer(t)

	jsonData, _ := json.Marshal(models.Batch{Events: testEvents()[:1]})
	req := httptest.NewRequest(http.MethodPost, transport.EventsPath, bytes.NewReader(jsonData))
	// Not setting Content-Type header to test robustness
	w := httptest.NewRecorder()
	server.handleEvents(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestListEvents(t *testing.T) {
	server := setupTestServer(t)
	handler := server.Handler()

	jsonData, _ := json.Marshal(models.Batch{Events: testEvents()})
	if w := postEvents(t, handler, jsonData); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, transport.EventsPath+"?assignment_id=42&limit=10", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp struct {
		Events []database.StoredEvent `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].EventType != models.Click {
		t.Fatalf("Expected the click event only, got %+v", resp.Events)
	}
	if resp.Events[0].ServerTimestamp == 0 {
		t.Error("Expected server timestamp to be set")
	}
}

func TestListEventsBadQuery(t *testing.T) {
	server := setupTestServer(t)

	for _, query := range []string{"?limit=0", "?limit=abc", "?assignment_id=x"} {
		req := httptest.NewRequest(http.MethodGet, transport.EventsPath+query, nil)
		w := httptest.NewRecorder()
		server.handleEvents(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", query, w.Code)
		}
	}
}

func TestListEventsEmpty(t *testing.T) {
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, transport.EventsPath, nil)
	w := httptest.NewRecorder()
	server.handleEvents(w, req)

	if body := w.Body.String(); body != "{\"events\":[]}\n" {
		t.Errorf("Expected empty list, got %s", body)
	}
}

func TestSetupRoutes(t *testing.T) {
	server := setupTestServer(t)
	handler := server.setupRoutes()

	tests := []struct {
		path   string
		method string
		status int
	}{
		{"/healthz", http.MethodGet, http.StatusOK},
		{transport.EventsPath, http.MethodGet, http.StatusOK},
		{transport.EventsPath, http.MethodPut, http.StatusMethodNotAllowed},
		{"/events", http.MethodPost, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("Expected status %d for %s %s, got %d", tt.status, tt.method, tt.path, w.Code)
			}
			if w.Header().Get("X-Request-Id") == "" {
				t.Error("Expected X-Request-Id header")
			}
		})
	}
}

func TestTransportRoundTrip(t *testing.T) {
	server := setupTestServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	client, err := transport.NewHTTP(transport.Options{Endpoint: ts.URL, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}
	events := testEvents()
	if err := client.Deliver(context.Background(), events[:1]); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	client.DeliverOnUnload(events[1:])
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	stored, err := server.db.RecentEvents(context.Background(), database.Filter{SessionID: "sess_1_abcdefghi"})
	if err != nil {
		t.Fatalf("RecentEvents() error = %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("Expected 2 stored events, got %d", len(stored))
	}
	if stored[0].EventType != models.Click || stored[1].EventType != models.PageLoad {
		t.Errorf("Expected newest first, got %s then %s", stored[0].EventType, stored[1].EventType)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	server := setupTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
