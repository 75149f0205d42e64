package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/live-interpreter/internal/protocol"
	"github.com/skypro1111/live-interpreter/internal/sequence"
)

// newTestServer exposes the websocket endpoints the way the HTTP server
// mounts them
func newTestServer(t *testing.T, config Config) (*Registry, *fakeClock, string) {
	t.Helper()
	registry, clock := newTestRegistry(t, config)
	handler := NewWSHandler(registry, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{id}/publish", func(w http.ResponseWriter, r *http.Request) {
		room, err := registry.Get(r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		secret := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if err := handler.ServeWriter(w, r, room, secret); errors.Is(err, ErrUnauthorized) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	})
	mux.HandleFunc("GET /rooms/{id}/listen", func(w http.ResponseWriter, r *http.Request) {
		room, err := registry.Get(r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		handler.ServeListener(w, r, room)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return registry, clock, server.URL
}

func receive(t *testing.T, l *ListenerClient, n int) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case event, ok := <-l.Events():
			if !ok {
				t.Fatalf("Connection closed after %d of %d events: %v", len(events), n, l.Err())
			}
			events = append(events, event)
		case <-timeout:
			t.Fatalf("Timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connection to close")
	}
}

func TestRelayEndToEnd(t *testing.T) {
	registry, _, url := newTestServer(t, testConfig())
	creds, _ := registry.Create()
	ctx := context.Background()

	listeners := make([]*ListenerClient, 2)
	for i := range listeners {
		l, err := DialListener(ctx, url, creds.ID, testLogger())
		if err != nil {
			t.Fatalf("DialListener failed: %v", err)
		}
		defer l.Close()
		listeners[i] = l
	}

	writer, err := DialWriter(ctx, url, creds.ID, creds.Secret, testLogger())
	if err != nil {
		t.Fatalf("DialWriter failed: %v", err)
	}
	defer writer.Close()

	seq := sequence.NewSequencer(writer, writer.LastSequence())
	sent := []protocol.Event{
		protocol.Status(protocol.LevelInfo, "translating en → fr"),
		protocol.TranscriptOriginal("good morning", true),
		protocol.TranscriptTranslated("bonjour", false),
		protocol.AudioChunk([]byte{1, 0, 2, 0}, protocol.OutputSampleRate),
		protocol.Interrupt(),
		protocol.TranscriptTranslated("bonjour à tous", true),
	}
	for _, e := range sent {
		if _, err := seq.Emit(e); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	for i, l := range listeners {
		got := receive(t, l, len(sent))
		for j, event := range got {
			if event.Sequence != uint64(j+1) {
				t.Errorf("Listener %d: expected sequence %d, got %d", i, j+1, event.Sequence)
			}
			if event.Type != sent[j].Type {
				t.Errorf("Listener %d: expected %s at %d, got %s", i, sent[j].Type, j, event.Type)
			}
		}
		if string(got[3].Audio) != string(sent[3].Audio) || got[3].SampleRate != protocol.OutputSampleRate {
			t.Errorf("Listener %d: audio payload changed in transit", i)
		}
	}

	// A late joiner sees the announcement before anything live
	late, err := DialListener(ctx, url, creds.ID, testLogger())
	if err != nil {
		t.Fatalf("DialListener failed: %v", err)
	}
	defer late.Close()
	seq.Emit(protocol.TranscriptOriginal("next", false))

	got := receive(t, late, 2)
	if got[0].Type != protocol.TypeStatus || got[0].Sequence != 1 {
		t.Errorf("Expected cached status first, got %+v", got[0])
	}
	if got[1].Sequence != uint64(len(sent)+1) {
		t.Errorf("Expected live event %d, got %d", len(sent)+1, got[1].Sequence)
	}
}

func TestWriterRejected(t *testing.T) {
	registry, _, url := newTestServer(t, testConfig())
	creds, _ := registry.Create()

	tests := []struct {
		name     string
		room     string
		secret   string
		expected error
	}{
		{"wrong secret", creds.ID, "bad", ErrUnauthorized},
		{"no secret", creds.ID, "", ErrUnauthorized},
		{"unknown room", "missing", creds.Secret, ErrRoomNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DialWriter(context.Background(), url, tt.room, tt.secret, testLogger())
			if !errors.Is(err, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, err)
			}
		})
	}

	if _, err := DialListener(context.Background(), url, "missing", testLogger()); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Expected listener on unknown room to fail with ErrRoomNotFound, got %v", err)
	}
}

func TestSecondWriterPreemptsFirstOverWebsocket(t *testing.T) {
	registry, _, url := newTestServer(t, testConfig())
	creds, _ := registry.Create()
	ctx := context.Background()

	listener, _ := DialListener(ctx, url, creds.ID, testLogger())
	defer listener.Close()

	first, err := DialWriter(ctx, url, creds.ID, creds.Secret, testLogger())
	if err != nil {
		t.Fatalf("DialWriter failed: %v", err)
	}
	firstSeq := sequence.NewSequencer(first, first.LastSequence())
	firstSeq.Emit(protocol.TranscriptOriginal("one", false))
	firstSeq.Emit(protocol.TranscriptOriginal("two", false))
	receive(t, listener, 2)

	second, err := DialWriter(ctx, url, creds.ID, creds.Secret, testLogger())
	if err != nil {
		t.Fatalf("DialWriter failed: %v", err)
	}
	defer second.Close()

	waitClosed(t, first.Done())
	if !errors.Is(first.Err(), ErrWriterPreempted) {
		t.Errorf("Expected first writer to be preempted, got %v", first.Err())
	}
	if second.LastSequence() != 2 {
		t.Errorf("Expected second writer to resume after 2, got %d", second.LastSequence())
	}

	secondSeq := sequence.NewSequencer(second, second.LastSequence())
	secondSeq.Emit(protocol.TranscriptOriginal("three", false))
	got := receive(t, listener, 1)
	if got[0].Sequence != 3 || got[0].Text != "three" {
		t.Errorf("Expected continued numbering, got %+v", got[0])
	}
}

func TestOversizedMessageClosesWriter(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageBytes = 256
	registry, _, url := newTestServer(t, cfg)
	creds, _ := registry.Create()
	ctx := context.Background()

	listener, _ := DialListener(ctx, url, creds.ID, testLogger())
	defer listener.Close()

	writer, err := DialWriter(ctx, url, creds.ID, creds.Secret, testLogger())
	if err != nil {
		t.Fatalf("DialWriter failed: %v", err)
	}
	writer.Send(protocol.Event{
		Type:       protocol.TypeAudioChunk,
		Sequence:   1,
		Audio:      make([]byte, 1024),
		SampleRate: protocol.OutputSampleRate,
	})

	waitClosed(t, writer.Done())
	if !errors.Is(writer.Err(), ErrMessageTooLarge) {
		t.Errorf("Expected ErrMessageTooLarge, got %v", writer.Err())
	}

	select {
	case event := <-listener.Events():
		t.Errorf("Expected nothing relayed, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}

	status := registry.Status(creds.ID)
	if status.Relayed != 0 || status.HasWriter {
		t.Errorf("Unexpected status after oversized message: %+v", status)
	}
}

func TestExpiredRoomClosesConnections(t *testing.T) {
	registry, clock, url := newTestServer(t, testConfig())
	creds, _ := registry.Create()
	ctx := context.Background()

	listener, _ := DialListener(ctx, url, creds.ID, testLogger())
	defer listener.Close()
	writer, err := DialWriter(ctx, url, creds.ID, creds.Secret, testLogger())
	if err != nil {
		t.Fatalf("DialWriter failed: %v", err)
	}

	clock.Advance(time.Hour)
	registry.cleanupExpiredRooms()

	waitClosed(t, listener.Done())
	waitClosed(t, writer.Done())
	if !errors.Is(listener.Err(), ErrRoomNotFound) {
		t.Errorf("Expected listener closed with ErrRoomNotFound, got %v", listener.Err())
	}
	if !errors.Is(writer.Err(), ErrRoomNotFound) {
		t.Errorf("Expected writer closed with ErrRoomNotFound, got %v", writer.Err())
	}

	if _, err := DialListener(ctx, url, creds.ID, testLogger()); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Expected expired room to refuse listeners, got %v", err)
	}
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		base     string
		ws       bool
		expected string
		wantErr  bool
	}{
		{"http://localhost:8080", true, "ws://localhost:8080/rooms/x/listen", false},
		{"https://relay.example.com/", true, "wss://relay.example.com/rooms/x/listen", false},
		{"wss://relay.example.com/base", false, "https://relay.example.com/base/rooms/x/listen", false},
		{"ftp://relay", true, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := endpointURL(tt.base, "/rooms/x/listen", tt.ws)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unexpected error state: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}
