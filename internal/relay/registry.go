package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/live-interpreter/internal/metrics"
)

var (
	errRoomExpired = errors.New("room expired")
	errRoomDeleted = errors.New("room deleted")
	errShutdown    = errors.New("relay shutting down")
)

// Config contains relay configuration
type Config struct {
	RoomTTL         time.Duration // fixed lifetime, not renewed by traffic
	CleanupInterval time.Duration
	MaxRooms        int
	MaxMessageBytes int
	ListenerQueue   int           // messages buffered per listener before it is dropped
	WriteTimeout    time.Duration // per websocket write
	PingInterval    time.Duration
}

// DefaultConfig returns the relay defaults
func DefaultConfig() Config {
	return Config{
		RoomTTL:         4 * time.Hour,
		CleanupInterval: 30 * time.Second,
		MaxRooms:        1000,
		MaxMessageBytes: 256 * 1024,
		ListenerQueue:   256,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
	}
}

// Credentials are returned once, when a room is created
type Credentials struct {
	ID        string    `json:"id"`
	Secret    string    `json:"secret"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Registry is the process-local table of rooms. Its mutex guards only the
// map; each Room serializes its own state.
type Registry struct {
	rooms  map[string]*Room
	config Config

	// Statistics
	created uint64
	expired uint64
	deleted uint64

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	mu      sync.RWMutex
}

// RegistryStats represents registry statistics
type RegistryStats struct {
	ActiveRooms     int    `json:"active_rooms"`
	ActiveListeners int    `json:"active_listeners"`
	RoomsCreated    uint64 `json:"rooms_created"`
	RoomsExpired    uint64 `json:"rooms_expired"`
	RoomsDeleted    uint64 `json:"rooms_deleted"`
	MessagesRelayed uint64 `json:"messages_relayed"`
}

// NewRegistry creates a registry and starts its expiry sweep
func NewRegistry(config Config, m *metrics.Metrics, logger *slog.Logger) *Registry {
	return newRegistry(config, m, logger, time.Now)
}

func newRegistry(config Config, m *metrics.Metrics, logger *slog.Logger, now func() time.Time) *Registry {
	defaults := DefaultConfig()
	if config.RoomTTL <= 0 {
		config.RoomTTL = defaults.RoomTTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = defaults.MaxMessageBytes
	}
	if config.ListenerQueue <= 0 {
		config.ListenerQueue = defaults.ListenerQueue
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		rooms:   make(map[string]*Room),
		config:  config,
		metrics: m,
		logger:  logger.With(slog.String("component", "relay")),
		now:     now,
		ctx:     ctx,
		cancel:  cancel,
		cleanup: make(chan struct{}),
	}

	go r.startCleanupRoutine()
	return r
}

// Config returns the effective relay configuration
func (r *Registry) Config() Config {
	return r.config
}

// Create opens a room with a fresh identifier and writer secret
func (r *Registry) Create() (Credentials, error) {
	secret, err := newSecret()
	if err != nil {
		return Credentials{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config.MaxRooms > 0 && len(r.rooms) >= r.config.MaxRooms {
		return Credentials{}, ErrTooManyRooms
	}

	id := uuid.NewString()
	room := newRoom(id, secret, r.now(), r.config, r.metrics, r.logger)
	r.rooms[id] = room
	r.created++
	r.metrics.RecordRoomCreated()

	r.logger.Info("Room created",
		slog.String("room_id", id),
		slog.Time("expires_at", room.ExpiresAt()),
		slog.Int("active_rooms", len(r.rooms)),
	)

	return Credentials{ID: id, Secret: secret, ExpiresAt: room.ExpiresAt()}, nil
}

// newSecret returns 32 random bytes, hex encoded
func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate room secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Get returns a live room. A room past its expiry is torn down here even if
// the sweep has not reached it yet.
func (r *Registry) Get(id string) (*Room, error) {
	r.mu.RLock()
	room, ok := r.rooms[id]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrRoomNotFound
	}
	if room.expired(r.now()) {
		r.remove(id, room, errRoomExpired)
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// Status reports whether a room exists and when it expires
func (r *Registry) Status(id string) RoomStatus {
	room, err := r.Get(id)
	if err != nil {
		return RoomStatus{ID: id}
	}
	return room.Status()
}

// Delete tears a room down on behalf of its writer
func (r *Registry) Delete(id, secret string) error {
	room, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := room.Authorize(secret); err != nil {
		return err
	}
	r.remove(id, room, errRoomDeleted)
	return nil
}

// remove drops room from the table if it is still registered under id
func (r *Registry) remove(id string, room *Room, reason error) {
	r.mu.Lock()
	current, ok := r.rooms[id]
	if !ok || current != room {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, id)
	isExpiry := errors.Is(reason, errRoomExpired)
	if isExpiry {
		r.expired++
	} else {
		r.deleted++
	}
	r.mu.Unlock()

	room.Close(reason)
	r.metrics.RecordRoomClosed(isExpiry)
}

// Count returns the number of registered rooms
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// GetStats returns current registry statistics
func (r *Registry) GetStats() RegistryStats {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	stats := RegistryStats{
		ActiveRooms:  len(r.rooms),
		RoomsCreated: r.created,
		RoomsExpired: r.expired,
		RoomsDeleted: r.deleted,
	}
	r.mu.RUnlock()

	for _, room := range rooms {
		status := room.Status()
		stats.ActiveListeners += status.Listeners
		stats.MessagesRelayed += status.Relayed
	}
	return stats
}

// Stop closes every room and stops the sweep
func (r *Registry) Stop() {
	r.logger.Info("Stopping relay...")

	r.cancel()
	<-r.cleanup

	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	for _, room := range rooms {
		room.Close(errShutdown)
		r.metrics.RecordRoomClosed(false)
	}

	r.logger.Info("Relay stopped", slog.Int("closed_rooms", len(rooms)))
}

// startCleanupRoutine runs in a separate goroutine to tear down expired rooms
func (r *Registry) startCleanupRoutine() {
	defer close(r.cleanup)

	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.cleanupExpiredRooms()
		}
	}
}

// cleanupExpiredRooms removes rooms whose expiry has passed
func (r *Registry) cleanupExpiredRooms() {
	now := r.now()

	r.mu.RLock()
	expired := make(map[string]*Room)
	for id, room := range r.rooms {
		if room.expired(now) {
			expired[id] = room
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	r.logger.Info("Cleaning up expired rooms", slog.Int("expired_count", len(expired)))
	for id, room := range expired {
		r.remove(id, room, errRoomExpired)
	}
}
