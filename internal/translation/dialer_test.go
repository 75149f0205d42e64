package translation

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type nopConn struct {
	closed chan struct{}
	once   sync.Once
}

func newNopConn() *nopConn { return &nopConn{closed: make(chan struct{})} }

func (c *nopConn) SendAudio([]byte) error { return nil }

func (c *nopConn) Receive() (*Message, error) {
	<-c.closed
	return nil, errors.New("closed")
}

func (c *nopConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// scriptedBackend returns the scripted errors in order, then a connection
type scriptedBackend struct {
	errs  []error
	calls int
	block chan struct{} // when set, Connect waits on it ignoring ctx
	conn  *nopConn
	mu    sync.Mutex
}

func (b *scriptedBackend) Connect(ctx context.Context, setup Setup) (Conn, error) {
	b.mu.Lock()
	call := b.calls
	b.calls++
	b.mu.Unlock()

	if b.block != nil {
		<-b.block
	}
	if call < len(b.errs) {
		return nil, b.errs[call]
	}
	conn := newNopConn()
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return conn, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestDialerRetriesTransientErrors(t *testing.T) {
	tests := []struct {
		name          string
		errs          []error
		maxRetries    int
		expectErr     bool
		expectedCalls int
	}{
		{name: "first attempt succeeds", maxRetries: 2, expectedCalls: 1},
		{
			name:          "refused then success",
			errs:          []error{errors.New("dial tcp: connection refused")},
			maxRetries:    2,
			expectedCalls: 2,
		},
		{
			name:          "rate limited then success",
			errs:          []error{genai.APIError{Code: 429, Message: "quota"}},
			maxRetries:    1,
			expectedCalls: 2,
		},
		{
			name:          "auth failure is not retried",
			errs:          []error{genai.APIError{Code: 401, Message: "unauthenticated"}},
			maxRetries:    3,
			expectErr:     true,
			expectedCalls: 1,
		},
		{
			name: "retries exhausted",
			errs: []error{
				errors.New("connection reset by peer"),
				errors.New("connection reset by peer"),
				errors.New("connection reset by peer"),
			},
			maxRetries:    2,
			expectErr:     true,
			expectedCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &scriptedBackend{errs: tt.errs}
			dialer := NewDialer(backend, DialerConfig{MaxRetries: tt.maxRetries}, testLogger())
			dialer.sleep = noSleep

			conn, err := dialer.Connect(context.Background(), Setup{})
			if tt.expectErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
			} else {
				if err != nil {
					t.Fatalf("Expected no error but got: %v", err)
				}
				conn.Close()
			}
			if backend.calls != tt.expectedCalls {
				t.Errorf("Expected %d connect calls, got %d", tt.expectedCalls, backend.calls)
			}

			stats := dialer.GetStats()
			if stats.TotalAttempts != uint64(tt.expectedCalls) {
				t.Errorf("Expected %d attempts in stats, got %d", tt.expectedCalls, stats.TotalAttempts)
			}
			if stats.TotalRetries != uint64(tt.expectedCalls-1) {
				t.Errorf("Expected %d retries in stats, got %d", tt.expectedCalls-1, stats.TotalRetries)
			}
		})
	}
}

func TestDialerConnectTimeout(t *testing.T) {
	backend := &scriptedBackend{block: make(chan struct{})}
	dialer := NewDialer(backend, DialerConfig{ConnectTimeout: 30 * time.Millisecond}, testLogger())

	start := time.Now()
	_, err := dialer.Connect(context.Background(), Setup{})
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Expected ErrConnectTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected bounded connect, took %s", elapsed)
	}
	if stats := dialer.GetStats(); stats.Timeouts != 1 || stats.FailedConnects != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	// A connection completing after the deadline is closed, not leaked
	close(backend.block)
	deadline := time.After(time.Second)
	for {
		backend.mu.Lock()
		conn := backend.conn
		backend.mu.Unlock()
		if conn != nil {
			select {
			case <-conn.closed:
				return
			case <-deadline:
				t.Fatal("Late connection was not closed")
			}
		}
		select {
		case <-deadline:
			t.Fatal("Backend never completed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDialerCancelledContext(t *testing.T) {
	backend := &scriptedBackend{block: make(chan struct{})}
	defer close(backend.block)
	dialer := NewDialer(backend, DialerConfig{ConnectTimeout: time.Minute, MaxRetries: 3}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := dialer.Connect(ctx, Setup{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err       error
		transient bool
	}{
		{err: nil, transient: false},
		{err: ErrConnectTimeout, transient: true},
		{err: genai.APIError{Code: 503}, transient: true},
		{err: genai.APIError{Code: 400}, transient: false},
		{err: errors.New("websocket: bad handshake"), transient: false},
		{err: errors.New("write tcp: broken pipe"), transient: true},
	}

	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.transient {
			t.Errorf("IsTransient(%v): expected %v, got %v", tt.err, tt.transient, got)
		}
	}
}
