package relay

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/live-interpreter/internal/metrics"
	"github.com/skypro1111/live-interpreter/internal/protocol"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrUnauthorized    = errors.New("invalid writer secret")
	ErrMessageTooLarge = errors.New("message exceeds size limit")
	ErrStaleSequence   = errors.New("sequence already relayed")
	ErrWriterPreempted = errors.New("writer preempted by a newer writer")
	ErrTooManyRooms    = errors.New("room limit reached")
	ErrListenerTooSlow = errors.New("listener queue full")
	errRoomClosed      = fmt.Errorf("%w: room closed", ErrRoomNotFound)
)

// Writer is the handle of the writer currently attached to a room
type Writer struct {
	id     uint64
	closer func(reason error)
}

// Listener receives encoded events in sequence order. Messages is closed
// when the room drops the listener; Room.ListenerErr then reports why.
type Listener struct {
	id     uint64
	send   chan []byte
	reason error
}

// Messages returns the listener's queue
func (l *Listener) Messages() <-chan []byte {
	return l.send
}

// Room is one broadcast domain. Every mutation happens under its mutex, so
// writer replacement and listener changes from concurrent connections are
// serialized per room.
type Room struct {
	id        string
	digest    [sha256.Size]byte
	createdAt time.Time
	expiresAt time.Time

	maxMessageBytes int
	queueSize       int

	writer       *Writer
	nextID       uint64
	lastSequence uint64
	announcement []byte // latest language-pair announcement, replayed to new listeners
	listeners    map[uint64]*Listener
	closed       bool

	// Statistics
	relayed    uint64
	violations uint64
	dropped    uint64

	metrics *metrics.Metrics
	logger  *slog.Logger
	mu      sync.Mutex
}

// RoomStatus represents a room snapshot for the control surface
type RoomStatus struct {
	ID           string    `json:"id"`
	Exists       bool      `json:"exists"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	HasWriter    bool      `json:"has_writer"`
	Listeners    int       `json:"listeners"`
	LastSequence uint64    `json:"last_sequence"`
	Relayed      uint64    `json:"messages_relayed"`
	Violations   uint64    `json:"protocol_violations"`
	Dropped      uint64    `json:"listeners_dropped"`
}

func newRoom(id, secret string, createdAt time.Time, config Config, m *metrics.Metrics, logger *slog.Logger) *Room {
	return &Room{
		id:              id,
		digest:          sha256.Sum256([]byte(secret)),
		createdAt:       createdAt,
		expiresAt:       createdAt.Add(config.RoomTTL),
		maxMessageBytes: config.MaxMessageBytes,
		queueSize:       config.ListenerQueue,
		listeners:       make(map[uint64]*Listener),
		metrics:         m,
		logger:          logger.With(slog.String("room_id", id)),
	}
}

// ID returns the room identifier
func (r *Room) ID() string {
	return r.id
}

// ExpiresAt returns the fixed teardown time
func (r *Room) ExpiresAt() time.Time {
	return r.expiresAt
}

func (r *Room) expired(now time.Time) bool {
	return !now.Before(r.expiresAt)
}

// Authorize checks a writer secret in constant time
func (r *Room) Authorize(secret string) error {
	if secret == "" {
		return ErrUnauthorized
	}
	digest := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare(digest[:], r.digest[:]) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AttachWriter installs a new writer after checking its secret. The previous
// writer, if any, is closed with ErrWriterPreempted before this returns.
// closer runs under the room lock and must not call back into the room.
// The room's last relayed sequence is returned so the new writer can
// continue the numbering.
func (r *Room) AttachWriter(secret string, closer func(reason error)) (*Writer, uint64, error) {
	if err := r.Authorize(secret); err != nil {
		r.metrics.RecordWriterRejected("unauthorized")
		r.logger.Warn("Rejected writer with invalid secret")
		return nil, 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, 0, errRoomClosed
	}

	previous := r.writer
	if previous != nil {
		previous.closer(ErrWriterPreempted)
	}

	r.nextID++
	w := &Writer{id: r.nextID, closer: closer}
	r.writer = w
	r.metrics.RecordWriterAttached(previous != nil)

	r.logger.Info("Writer attached",
		slog.Uint64("writer_id", w.id),
		slog.Bool("preempted_previous", previous != nil),
		slog.Uint64("last_sequence", r.lastSequence),
	)
	return w, r.lastSequence, nil
}

// DetachWriter clears the writer slot if w still holds it
func (r *Room) DetachWriter(w *Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == w {
		r.writer = nil
		r.logger.Info("Writer detached", slog.Uint64("writer_id", w.id))
	}
}

// Publish validates one encoded event from w and fans it out. Oversized
// messages detach the writer; stale or malformed ones are dropped.
func (r *Room) Publish(w *Writer, raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errRoomClosed
	}
	if r.writer != w {
		return ErrWriterPreempted
	}

	if len(raw) > r.maxMessageBytes {
		r.rejectOversizedLocked(w, len(raw))
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(raw), r.maxMessageBytes)
	}

	event, err := protocol.Unmarshal(raw)
	if err != nil {
		r.violations++
		r.metrics.RecordProtocolViolation("invalid")
		r.logger.Warn("Dropped invalid message", slog.String("error", err.Error()))
		return err
	}

	if event.Sequence <= r.lastSequence {
		r.violations++
		r.metrics.RecordProtocolViolation("stale")
		r.logger.Warn("Dropped out-of-order message",
			slog.Uint64("sequence", event.Sequence),
			slog.Uint64("last_sequence", r.lastSequence),
		)
		return fmt.Errorf("%w: %d <= %d", ErrStaleSequence, event.Sequence, r.lastSequence)
	}

	r.lastSequence = event.Sequence
	if event.IsAnnouncement() {
		r.announcement = raw
	}
	r.relayed++
	r.metrics.RecordMessageRelayed(string(event.Type), len(raw))

	for id, l := range r.listeners {
		select {
		case l.send <- raw:
		default:
			// A full queue never holds up the writer or other listeners
			r.removeLocked(id, ErrListenerTooSlow)
		}
	}
	return nil
}

// RejectOversized detaches w after a message over the size limit was
// refused before it could be read in full
func (r *Room) RejectOversized(w *Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == w {
		r.rejectOversizedLocked(w, -1)
	}
}

func (r *Room) rejectOversizedLocked(w *Writer, size int) {
	r.writer = nil
	r.violations++
	r.metrics.RecordOversizedMessage()
	r.logger.Warn("Writer sent oversized message",
		slog.Uint64("writer_id", w.id),
		slog.Int("size", size),
		slog.Int("limit", r.maxMessageBytes),
	)
}

// AddListener joins a listener. The cached language-pair announcement, if
// any, is queued before any live event.
func (r *Room) AddListener() (*Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errRoomClosed
	}

	r.nextID++
	l := &Listener{id: r.nextID, send: make(chan []byte, r.queueSize)}
	if r.announcement != nil {
		l.send <- r.announcement
	}
	r.listeners[l.id] = l
	r.metrics.RecordListenerJoined()

	r.logger.Debug("Listener joined",
		slog.Uint64("listener_id", l.id),
		slog.Int("listeners", len(r.listeners)),
	)
	return l, nil
}

// RemoveListener drops l and closes its queue. Safe to call more than once.
func (r *Room) RemoveListener(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[l.id]; ok {
		r.removeLocked(l.id, nil)
	}
}

// ListenerErr returns why the room dropped l, nil for a normal removal
func (r *Room) ListenerErr(l *Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return l.reason
}

func (r *Room) removeLocked(id uint64, reason error) {
	l := r.listeners[id]
	delete(r.listeners, id)
	l.reason = reason
	close(l.send)

	label := "closed"
	if errors.Is(reason, ErrListenerTooSlow) {
		label = "slow"
		r.dropped++
		r.logger.Warn("Dropped slow listener", slog.Uint64("listener_id", id))
	}
	r.metrics.RecordListenerLeft(label)
}

// Close tears the room down, closing the writer and every listener
func (r *Room) Close(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	if r.writer != nil {
		r.writer.closer(reason)
		r.writer = nil
	}
	for id := range r.listeners {
		r.removeLocked(id, reason)
	}
	r.announcement = nil

	r.logger.Info("Room closed",
		slog.String("reason", reason.Error()),
		slog.Uint64("messages_relayed", r.relayed),
		slog.Duration("lifetime", time.Since(r.createdAt)),
	)
}

// Status returns a snapshot of the room
func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomStatus{
		ID:           r.id,
		Exists:       !r.closed,
		CreatedAt:    r.createdAt,
		ExpiresAt:    r.expiresAt,
		HasWriter:    r.writer != nil,
		Listeners:    len(r.listeners),
		LastSequence: r.lastSequence,
		Relayed:      r.relayed,
		Violations:   r.violations,
		Dropped:      r.dropped,
	}
}
