package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LastSequenceHeader carries the room's last relayed sequence in the writer
// handshake response
const LastSequenceHeader = "X-Relay-Last-Sequence"

// Application close codes
const (
	CloseWriterPreempted = 4001
	CloseRoomClosed      = 4004
)

// listenerReadLimit bounds what a read-only client may send us
const listenerReadLimit = 512

// WSHandler serves writer and listener websocket connections for rooms
type WSHandler struct {
	upgrader websocket.Upgrader
	config   Config
	logger   *slog.Logger
}

// NewWSHandler creates a handler using the registry's configuration
func NewWSHandler(registry *Registry, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		config: registry.Config(),
		logger: logger.With(slog.String("component", "relay_ws")),
	}
}

// writerConn lets the room close a writer whose websocket may not be
// upgraded yet
type writerConn struct {
	conn   *websocket.Conn
	reason error
	mu     sync.Mutex
}

func (c *writerConn) close(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason != nil {
		return
	}
	c.reason = reason
	if c.conn != nil {
		// The room calls this under its lock
		go closeWithReason(c.conn, reason)
	}
}

// attach hands over the upgraded connection. It returns false if the
// writer was closed in the meantime.
func (c *writerConn) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	if c.reason != nil {
		closeWithReason(conn, c.reason)
		return false
	}
	return true
}

func closeWithReason(conn *websocket.Conn, reason error) {
	code, text := websocket.CloseNormalClosure, ""
	switch {
	case errors.Is(reason, ErrWriterPreempted):
		code, text = CloseWriterPreempted, "preempted by a newer writer"
	case errors.Is(reason, ErrMessageTooLarge):
		code, text = websocket.CloseMessageTooBig, "message too large"
	case errors.Is(reason, ErrListenerTooSlow):
		code, text = websocket.ClosePolicyViolation, "listener too slow"
	case reason != nil:
		code, text = CloseRoomClosed, reason.Error()
	}
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

// ServeWriter authorizes and upgrades a writer connection, then relays its
// messages until it disconnects or is closed. A non-nil error means the
// secret was rejected or the upgrade failed before anything was relayed;
// for ErrUnauthorized nothing has been written to w.
func (h *WSHandler) ServeWriter(w http.ResponseWriter, r *http.Request, room *Room, secret string) error {
	wc := &writerConn{}
	writer, last, err := room.AttachWriter(secret, wc.close)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set(LastSequenceHeader, strconv.FormatUint(last, 10))
	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		room.DetachWriter(writer)
		return err
	}
	if !wc.attach(conn) {
		room.DetachWriter(writer)
		return nil
	}

	logger := h.logger.With(slog.String("room_id", room.ID()), slog.String("remote", r.RemoteAddr))
	logger.Info("Writer connected", slog.Uint64("last_sequence", last))

	h.writerReadPump(conn, room, writer, wc, logger)
	return nil
}

func (h *WSHandler) writerReadPump(conn *websocket.Conn, room *Room, writer *Writer, wc *writerConn, logger *slog.Logger) {
	defer func() {
		room.DetachWriter(writer)
		conn.Close()
	}()

	// A message over the limit fails the read before any of it is relayed
	conn.SetReadLimit(int64(h.config.MaxMessageBytes))
	pongWait := 2 * h.config.PingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go h.pingLoop(conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				room.RejectOversized(writer)
				wc.close(ErrMessageTooLarge)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
				CloseWriterPreempted, CloseRoomClosed):
				logger.Warn("Writer connection lost", slog.String("error", err.Error()))
			default:
				logger.Info("Writer disconnected")
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := room.Publish(writer, data); err != nil {
			switch {
			case errors.Is(err, ErrMessageTooLarge):
				wc.close(ErrMessageTooLarge)
				return
			case errors.Is(err, ErrWriterPreempted), errors.Is(err, ErrRoomNotFound):
				return
			}
			// Stale or malformed messages are dropped and the writer stays attached
		}
	}
}

// ServeListener upgrades a listener connection and streams the room's
// events to it until either side goes away
func (h *WSHandler) ServeListener(w http.ResponseWriter, r *http.Request, room *Room) error {
	listener, err := room.AddListener()
	if err != nil {
		return err
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		room.RemoveListener(listener)
		return err
	}

	logger := h.logger.With(slog.String("room_id", room.ID()), slog.String("remote", r.RemoteAddr))
	logger.Debug("Listener connected")

	// Reads only detect disconnects and process control frames
	go func() {
		defer room.RemoveListener(listener)
		conn.SetReadLimit(listenerReadLimit)
		pongWait := 2 * h.config.PingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	h.listenerWritePump(conn, room, listener, logger)
	return nil
}

func (h *WSHandler) listenerWritePump(conn *websocket.Conn, room *Room, listener *Listener, logger *slog.Logger) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		room.RemoveListener(listener)
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-listener.Messages():
			if !ok {
				reason := room.ListenerErr(listener)
				if reason != nil {
					logger.Info("Listener closed by relay", slog.String("reason", reason.Error()))
				}
				closeWithReason(conn, reason)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("Listener write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
