package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/live-interpreter/internal/protocol"
)

const clientWriteTimeout = 10 * time.Second

// endpointURL resolves path against an http(s) or ws(s) base URL. ws
// selects the websocket scheme.
func endpointURL(base, path string, ws bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
		if ws {
			u.Scheme = "ws"
		}
	case "https", "wss":
		u.Scheme = "https"
		if ws {
			u.Scheme = "wss"
		}
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

// handshakeError maps a failed websocket handshake to the relay taxonomy
func handshakeError(resp *http.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return ErrUnauthorized
		case http.StatusNotFound:
			return ErrRoomNotFound
		}
		return fmt.Errorf("relay handshake failed with status %d: %w", resp.StatusCode, err)
	}
	return fmt.Errorf("failed to connect to relay: %w", err)
}

// closeError maps a close frame from the relay to the relay taxonomy
func closeError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case CloseWriterPreempted:
			return ErrWriterPreempted
		case websocket.CloseMessageTooBig:
			return ErrMessageTooLarge
		case websocket.ClosePolicyViolation:
			return ErrListenerTooSlow
		case CloseRoomClosed:
			return fmt.Errorf("%w: %s", ErrRoomNotFound, ce.Text)
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return nil
		}
	}
	return fmt.Errorf("relay connection lost: %w", err)
}

// WriterClient is an authorized writer connection. It implements
// sequence.Sink.
type WriterClient struct {
	conn   *websocket.Conn
	last   uint64
	logger *slog.Logger

	done    chan struct{}
	err     error
	closing bool
	mu      sync.Mutex

	writeMu sync.Mutex
}

// DialWriter connects to a room's publish endpoint
func DialWriter(ctx context.Context, baseURL, roomID, secret string, logger *slog.Logger) (*WriterClient, error) {
	target, err := endpointURL(baseURL, "/rooms/"+url.PathEscape(roomID)+"/publish", true)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+secret)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, handshakeError(resp, err)
	}

	last, err := strconv.ParseUint(resp.Header.Get(LastSequenceHeader), 10, 64)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay did not report the last sequence: %w", err)
	}

	c := &WriterClient{
		conn:   conn,
		last:   last,
		logger: logger.With(slog.String("room_id", roomID)),
		done:   make(chan struct{}),
	}
	go c.readLoop()

	c.logger.Info("Connected to relay as writer", slog.Uint64("last_sequence", last))
	return c, nil
}

// LastSequence returns the room's last relayed sequence at connect time
func (c *WriterClient) LastSequence() uint64 {
	return c.last
}

// readLoop processes control frames and detects closure
func (c *WriterClient) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.mu.Lock()
			if !c.closing {
				c.err = closeError(err)
			}
			c.mu.Unlock()
			close(c.done)
			return
		}
	}
}

// Send encodes and writes one sequenced event
func (c *WriterClient) Send(event protocol.Event) error {
	data, err := protocol.Marshal(event)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return errors.New("relay connection closed")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send event %d: %w", event.Sequence, err)
	}
	return nil
}

// Done is closed when the connection ends
func (c *WriterClient) Done() <-chan struct{} {
	return c.done
}

// Err reports why the relay closed the connection. It is nil after a local
// Close or a normal closure.
func (c *WriterClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a normal close frame and waits briefly for the relay to
// acknowledge it
func (c *WriterClient) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return c.conn.Close()
}

// ListenerClient is a read-only room connection
type ListenerClient struct {
	conn   *websocket.Conn
	events chan protocol.Event
	logger *slog.Logger

	done    chan struct{}
	err     error
	closing bool
	mu      sync.Mutex
}

// DialListener connects to a room's listen endpoint
func DialListener(ctx context.Context, baseURL, roomID string, logger *slog.Logger) (*ListenerClient, error) {
	target, err := endpointURL(baseURL, "/rooms/"+url.PathEscape(roomID)+"/listen", true)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, handshakeError(resp, err)
	}

	c := &ListenerClient{
		conn:   conn,
		events: make(chan protocol.Event, 64),
		logger: logger.With(slog.String("room_id", roomID)),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *ListenerClient) readLoop() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closing {
				c.err = closeError(err)
			}
			c.mu.Unlock()
			return
		}

		event, err := protocol.Unmarshal(data)
		if err != nil {
			c.logger.Warn("Ignoring invalid relay message", slog.String("error", err.Error()))
			continue
		}
		c.events <- event
	}
}

// Events returns decoded events in arrival order. The channel is closed
// when the connection ends.
func (c *ListenerClient) Events() <-chan protocol.Event {
	return c.events
}

// Done is closed when the connection ends
func (c *ListenerClient) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, nil after a local Close or a
// normal closure
func (c *ListenerClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection
func (c *ListenerClient) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := c.conn.Close()

	// Unblock readLoop if the consumer stopped reading events
	go func() {
		for range c.events {
		}
	}()
	return err
}

// ControlClient calls the room control endpoints
type ControlClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewControlClient creates a control client for a relay base URL
func NewControlClient(baseURL string, timeout time.Duration) *ControlClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ControlClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateRoom opens a new room
func (c *ControlClient) CreateRoom(ctx context.Context) (Credentials, error) {
	var creds Credentials
	err := c.do(ctx, http.MethodPost, "/rooms", "", http.StatusCreated, &creds)
	return creds, err
}

// RoomStatus reports whether a room exists and when it expires
func (c *ControlClient) RoomStatus(ctx context.Context, roomID string) (RoomStatus, error) {
	var status RoomStatus
	err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID), "", http.StatusOK, &status)
	if errors.Is(err, ErrRoomNotFound) {
		return RoomStatus{ID: roomID}, nil
	}
	return status, err
}

// DeleteRoom tears a room down
func (c *ControlClient) DeleteRoom(ctx context.Context, roomID, secret string) error {
	return c.do(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(roomID), secret, http.StatusNoContent, nil)
}

func (c *ControlClient) do(ctx context.Context, method, path, secret string, expected int, out any) error {
	target, err := endpointURL(c.baseURL, path, false)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to relay failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		json.Unmarshal(body, &apiErr)

		switch resp.StatusCode {
		case http.StatusNotFound:
			return ErrRoomNotFound
		case http.StatusUnauthorized:
			return ErrUnauthorized
		case http.StatusTooManyRequests:
			return ErrTooManyRooms
		}
		return fmt.Errorf("relay returned status %d: %s", resp.StatusCode, apiErr.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode relay response: %w", err)
	}
	return nil
}
