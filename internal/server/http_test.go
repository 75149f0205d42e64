package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/live-interpreter/internal/config"
	"github.com/skypro1111/live-interpreter/internal/metrics"
	"github.com/skypro1111/live-interpreter/internal/protocol"
	"github.com/skypro1111/live-interpreter/internal/relay"
	"github.com/skypro1111/live-interpreter/internal/sequence"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, maxRooms int) (*HTTPServer, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Backend.APIKey = "super-secret-token"

	relayConfig := relay.DefaultConfig()
	relayConfig.MaxRooms = maxRooms

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	registry := relay.NewRegistry(relayConfig, m, testLogger())
	t.Cleanup(registry.Stop)

	h := NewHTTPServer(cfg, registry, m, reg, testLogger())
	ts := httptest.NewServer(h.Handler())
	t.Cleanup(ts.Close)
	return h, ts
}

func doRequest(t *testing.T, method, url, secret string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func createRoom(t *testing.T, baseURL string) relay.Credentials {
	t.Helper()
	resp, body := doRequest(t, http.MethodPost, baseURL+"/rooms", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", resp.StatusCode, body)
	}
	var creds relay.Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		t.Fatalf("Invalid create response: %v", err)
	}
	return creds
}

func TestRoomLifecycle(t *testing.T) {
	_, ts := newTestServer(t, 10)
	creds := createRoom(t, ts.URL)

	if creds.ID == "" || creds.Secret == "" || creds.ExpiresAt.IsZero() {
		t.Fatalf("Incomplete credentials: %+v", creds)
	}

	tests := []struct {
		name     string
		method   string
		path     string
		secret   string
		expected int
	}{
		{"status", http.MethodGet, "/rooms/" + creds.ID, "", http.StatusOK},
		{"unknown status", http.MethodGet, "/rooms/nope", "", http.StatusNotFound},
		{"delete without key", http.MethodDelete, "/rooms/" + creds.ID, "", http.StatusUnauthorized},
		{"delete with wrong key", http.MethodDelete, "/rooms/" + creds.ID, "wrong", http.StatusUnauthorized},
		{"delete", http.MethodDelete, "/rooms/" + creds.ID, creds.Secret, http.StatusNoContent},
		{"status after delete", http.MethodGet, "/rooms/" + creds.ID, "", http.StatusNotFound},
		{"delete twice", http.MethodDelete, "/rooms/" + creds.ID, creds.Secret, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, tt.method, ts.URL+tt.path, tt.secret)
			if resp.StatusCode != tt.expected {
				t.Errorf("Expected %d, got %d: %s", tt.expected, resp.StatusCode, body)
			}
		})
	}
}

func TestRoomStatusBody(t *testing.T) {
	_, ts := newTestServer(t, 10)
	creds := createRoom(t, ts.URL)

	_, body := doRequest(t, http.MethodGet, ts.URL+"/rooms/"+creds.ID, "")
	var status relay.RoomStatus
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("Invalid status response: %v", err)
	}
	if !status.Exists || status.ID != creds.ID || !status.ExpiresAt.Equal(creds.ExpiresAt) {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestCreateRoomErrors(t *testing.T) {
	h, ts := newTestServer(t, 1)
	createRoom(t, ts.URL)

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/rooms", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected 429 at the room limit, got %d", resp.StatusCode)
	}

	h.stopping.Store(true)
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/rooms", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 while stopping, got %d", resp.StatusCode)
	}
}

func TestControlClient(t *testing.T) {
	_, ts := newTestServer(t, 10)
	client := relay.NewControlClient(ts.URL, time.Second)
	ctx := context.Background()

	creds, err := client.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	status, err := client.RoomStatus(ctx, creds.ID)
	if err != nil || !status.Exists {
		t.Fatalf("Expected room to exist, got %+v, %v", status, err)
	}

	if err := client.DeleteRoom(ctx, creds.ID, "wrong"); !errors.Is(err, relay.ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
	if err := client.DeleteRoom(ctx, creds.ID, creds.Secret); err != nil {
		t.Errorf("DeleteRoom failed: %v", err)
	}
	if err := client.DeleteRoom(ctx, creds.ID, creds.Secret); !errors.Is(err, relay.ErrRoomNotFound) {
		t.Errorf("Expected ErrRoomNotFound, got %v", err)
	}

	status, err = client.RoomStatus(ctx, creds.ID)
	if err != nil || status.Exists {
		t.Errorf("Expected deleted room to be reported missing, got %+v, %v", status, err)
	}
}

func TestRelayThroughRouter(t *testing.T) {
	_, ts := newTestServer(t, 10)
	creds := createRoom(t, ts.URL)
	ctx := context.Background()

	listener, err := relay.DialListener(ctx, ts.URL, creds.ID, testLogger())
	if err != nil {
		t.Fatalf("DialListener failed: %v", err)
	}
	defer listener.Close()

	writer, err := relay.DialWriter(ctx, ts.URL, creds.ID, creds.Secret, testLogger())
	if err != nil {
		t.Fatalf("DialWriter failed: %v", err)
	}
	defer writer.Close()

	seq := sequence.NewSequencer(writer, writer.LastSequence())
	seq.Emit(protocol.Status(protocol.LevelInfo, "translating en → de"))
	seq.Emit(protocol.TranscriptTranslated("Guten Morgen", true))

	for i := uint64(1); i <= 2; i++ {
		select {
		case event := <-listener.Events():
			if event.Sequence != i {
				t.Errorf("Expected sequence %d, got %d", i, event.Sequence)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for event %d", i)
		}
	}
}

func TestPublishAuthorization(t *testing.T) {
	_, ts := newTestServer(t, 10)
	creds := createRoom(t, ts.URL)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	tests := []struct {
		name     string
		path     string
		header   http.Header
		expected int
	}{
		{"key in query", "/rooms/" + creds.ID + "/publish?key=" + creds.Secret, nil, http.StatusSwitchingProtocols},
		{"bearer header", "/rooms/" + creds.ID + "/publish", http.Header{"Authorization": {"Bearer " + creds.Secret}}, http.StatusSwitchingProtocols},
		{"wrong key", "/rooms/" + creds.ID + "/publish?key=nope", nil, http.StatusUnauthorized},
		{"malformed header", "/rooms/" + creds.ID + "/publish?key=" + creds.Secret, http.Header{"Authorization": {"Basic abc"}}, http.StatusUnauthorized},
		{"unknown room", "/rooms/missing/publish?key=" + creds.Secret, nil, http.StatusNotFound},
		{"listen unknown room", "/rooms/missing/listen", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL+tt.path, tt.header)
			if conn != nil {
				defer conn.Close()
			}
			if resp == nil {
				t.Fatalf("No handshake response: %v", err)
			}
			if resp.StatusCode != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, resp.StatusCode)
			}
			if tt.expected == http.StatusSwitchingProtocols && resp.Header.Get(relay.LastSequenceHeader) != "0" {
				t.Errorf("Expected last sequence header 0, got %q", resp.Header.Get(relay.LastSequenceHeader))
			}
		})
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	_, ts := newTestServer(t, 10)
	createRoom(t, ts.URL)

	tests := []struct {
		name     string
		path     string
		expected int
		contains string
		absent   string
	}{
		{"health", "/health", http.StatusOK, `"active_rooms":1`, ""},
		{"stats", "/stats", http.StatusOK, `"rooms_created":1`, ""},
		{"config is sanitized", "/config", http.StatusOK, "[REDACTED]", "super-secret-token"},
		{"metrics", "/metrics", http.StatusOK, "interpreter_rooms_created_total 1", ""},
		{"http metrics", "/metrics", http.StatusOK, `interpreter_http_requests_total{endpoint="/rooms",method="POST",status_code="201"} 1`, ""},
		{"index", "/", http.StatusOK, "/rooms/{id}/listen", ""},
		{"unknown path", "/nope", http.StatusNotFound, "not found", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, http.MethodGet, ts.URL+tt.path, "")
			if resp.StatusCode != tt.expected {
				t.Fatalf("Expected %d, got %d", tt.expected, resp.StatusCode)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("Expected body to contain %q, got %s", tt.contains, body)
			}
			if tt.absent != "" && strings.Contains(string(body), tt.absent) {
				t.Errorf("Body must not contain %q", tt.absent)
			}
		})
	}
}

func TestHealthWhileStopping(t *testing.T) {
	h, ts := newTestServer(t, 10)
	h.stopping.Store(true)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), "stopping") {
		t.Errorf("Expected 503 stopping, got %d: %s", resp.StatusCode, body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{relay.ErrRoomNotFound, http.StatusNotFound},
		{relay.ErrUnauthorized, http.StatusUnauthorized},
		{relay.ErrTooManyRooms, http.StatusTooManyRequests},
		{relay.ErrMessageTooLarge, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}
