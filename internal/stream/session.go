package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/live-interpreter/internal/metrics"
	"github.com/skypro1111/live-interpreter/internal/protocol"
	"github.com/skypro1111/live-interpreter/internal/translation"
	"github.com/skypro1111/live-interpreter/internal/vad"
)

// State is the lifecycle state of a Session
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateStopping   State = "stopping"
	StateError      State = "error"
)

const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultQueueSize   = 16
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the current state
	ErrInvalidState = errors.New("invalid session state")
	// ErrSessionClosed is returned by Start on a session that failed, was stopped
	// while connecting, or whose decoupled pipeline was closed by Stop
	ErrSessionClosed = errors.New("session closed")
)

// Emitter assigns sequence numbers and delivers events. *sequence.Sequencer implements it.
type Emitter interface {
	Emit(event protocol.Event) (uint64, error)
}

// Submitter receives finished source sentences in decoupled mode
type Submitter interface {
	Submit(text string) error
	Close() error
}

// Config contains streaming session configuration
type Config struct {
	Languages        translation.Languages
	StartSensitivity translation.Sensitivity
	EndSensitivity   translation.Sensitivity
	SilenceDuration  time.Duration // backend end-of-turn silence
	Instruction      string

	IdleTimeout  time.Duration // stop after this long without speech
	QueueSize    int           // outbound frames buffered before dropping
	VADThreshold float32
	VADSmoothing float32

	// Submitter switches the session to decoupled mode: finished source
	// transcripts are handed to it and backend speech output is ignored.
	Submitter Submitter
}

// Session streams audio frames to a translation backend and turns its
// replies into relay events
type Session struct {
	id      string
	config  Config
	backend translation.Backend
	emitter Emitter
	vad     *vad.Processor
	metrics *metrics.Metrics
	logger  *slog.Logger

	state     State
	err       error
	conn      translation.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	frames    chan []byte
	wg        sync.WaitGroup

	submitterClosed bool // set by the Stop that closed config.Submitter

	// Statistics
	framesSent    uint64
	framesDropped uint64
	eventsEmitted uint64

	// Emission gate. Held while an event is handed to the emitter so that
	// closing the gate waits for any emission already in progress.
	gateMu   sync.Mutex
	gateOpen bool

	mu sync.RWMutex
}

// SessionInfo represents a session snapshot for monitoring and APIs
type SessionInfo struct {
	ID              string                `json:"id"`
	State           State                 `json:"state"`
	Languages       translation.Languages `json:"languages"`
	Decoupled       bool                  `json:"decoupled"`
	StartedAt       time.Time             `json:"started_at"`
	EventsEmitted   uint64                `json:"events_emitted"`
	FramesSent      uint64                `json:"frames_sent"`
	FramesDropped   uint64                `json:"frames_dropped"`
	FramesQueued    int                   `json:"frames_queued"`
	VoicePercentage float64               `json:"voice_percentage"`
	Error           string                `json:"error,omitempty"`
}

// NewSession creates an idle session
func NewSession(backend translation.Backend, emitter Emitter, config Config, m *metrics.Metrics, logger *slog.Logger) (*Session, error) {
	if backend == nil || emitter == nil {
		return nil, fmt.Errorf("backend and emitter are required")
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.VADThreshold == 0 {
		config.VADThreshold = 0.05
	}
	if config.VADSmoothing == 0 {
		config.VADSmoothing = 0.5
	}

	detector, err := vad.NewProcessor(config.VADThreshold, config.VADSmoothing)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech detector: %w", err)
	}

	id := uuid.NewString()
	done := make(chan struct{})
	close(done)

	s := &Session{
		id:      id,
		config:  config,
		backend: backend,
		emitter: emitter,
		vad:     detector,
		metrics: m,
		logger:  logger.With(slog.String("session_id", id)),
		state:   StateIdle,
		done:    done,
		frames:  make(chan []byte, config.QueueSize),
	}
	m.SetSessionState(string(StateIdle))
	return s, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the current state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that moved the session to StateError
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed when the current run ends, by Stop or by a fatal error
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// setState must be called with s.mu held
func (s *Session) setState(state State) {
	s.logger.Debug("Session state changed",
		slog.String("from", string(s.state)),
		slog.String("to", string(state)),
	)
	s.state = state
	s.metrics.SetSessionState(string(state))
}

// Start opens the backend channel and begins streaming. Only valid from idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		if s.submitterClosed {
			s.mu.Unlock()
			return fmt.Errorf("%w: pipeline closed by a previous stop", ErrSessionClosed)
		}
	case StateError:
		s.mu.Unlock()
		return ErrSessionClosed
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, state)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.err = nil
	s.setState(StateConnecting)
	s.mu.Unlock()

	s.openGate()

	setup := translation.Setup{
		Languages:        s.config.Languages,
		StartSensitivity: s.config.StartSensitivity,
		EndSensitivity:   s.config.EndSensitivity,
		SilenceDuration:  s.config.SilenceDuration,
		Instruction:      s.config.Instruction,
	}

	s.logger.Info("Connecting to translation backend",
		slog.String("languages", s.config.Languages.String()),
		slog.Bool("decoupled", s.config.Submitter != nil),
	)

	start := time.Now()
	conn, err := s.backend.Connect(runCtx, setup)
	s.metrics.RecordBackendConnect(time.Since(start), err)

	s.mu.Lock()
	if s.state != StateConnecting {
		// Stopped while connecting
		s.finishLocked(StateIdle)
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		cancel()
		return ErrSessionClosed
	}

	if err != nil {
		s.err = err
		s.setState(StateError)
		s.mu.Unlock()

		s.logger.Error("Failed to connect translation backend", slog.String("error", err.Error()))
		s.emit(protocol.Statusf(protocol.LevelError, "failed to connect translation backend: %v", err))
		s.closeGate()
		cancel()

		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
		return fmt.Errorf("failed to start session: %w", err)
	}

	s.conn = conn
	s.startedAt = time.Now()
	s.vad.Reset()
	s.setState(StateStreaming)
	run := s.done
	s.mu.Unlock()

	s.logger.Info("Session streaming",
		slog.Duration("connect_time", time.Since(start)),
		slog.Duration("idle_timeout", s.config.IdleTimeout),
	)

	// The announcement precedes anything the backend sends
	s.emit(protocol.Announcement(s.config.Languages.Source, s.config.Languages.Target))

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.sendLoop(runCtx, conn, run)
	}()
	go func() {
		defer s.wg.Done()
		s.receiveLoop(runCtx, conn)
	}()
	go func() {
		defer s.wg.Done()
		s.idleLoop(runCtx, run)
	}()

	return nil
}

// PushFrame offers one outbound frame without blocking. It returns false
// when the frame was dropped: the session is not streaming or the queue is full.
func (s *Session) PushFrame(frame []byte) bool {
	s.mu.RLock()
	streaming := s.state == StateStreaming
	s.mu.RUnlock()

	if !streaming {
		s.recordDrop()
		return false
	}

	s.vad.ProcessFrame(frame)

	select {
	case s.frames <- frame:
		return true
	default:
		s.recordDrop()
		return false
	}
}

func (s *Session) recordDrop() {
	s.mu.Lock()
	s.framesDropped++
	s.mu.Unlock()
	s.metrics.RecordFrameDropped()
}

// Stop ends streaming and returns to idle. No event is emitted after Stop
// returns. Stopping an idle or failed session is a no-op.
func (s *Session) Stop() error {
	return s.stop(nil)
}

// stop ends the run whose done channel is run, or the current run when run is nil
func (s *Session) stop(run chan struct{}) error {
	s.mu.Lock()
	if run != nil && run != s.done {
		s.mu.Unlock()
		return nil
	}
	switch s.state {
	case StateConnecting:
		// Start observes the state change when Connect returns
		s.setState(StateStopping)
		s.cancel()
		s.mu.Unlock()
		s.closeGate()
		return nil
	case StateStreaming:
	default:
		s.mu.Unlock()
		return nil
	}

	s.setState(StateStopping)
	conn := s.conn
	s.mu.Unlock()

	s.closeGate()
	s.cancel()
	if err := conn.Close(); err != nil {
		s.logger.Debug("Error closing backend connection", slog.String("error", err.Error()))
	}
	if s.config.Submitter != nil {
		if err := s.config.Submitter.Close(); err != nil {
			s.logger.Warn("Error closing pipeline", slog.String("error", err.Error()))
		}
		s.mu.Lock()
		s.submitterClosed = true
		s.mu.Unlock()
	}

	s.wg.Wait()
	discarded := s.drainFrames()

	s.mu.Lock()
	s.finishLocked(StateIdle)
	info := s.infoLocked()
	s.mu.Unlock()

	s.logger.Info("Session stopped",
		slog.Duration("duration", time.Since(info.StartedAt)),
		slog.Uint64("events_emitted", info.EventsEmitted),
		slog.Uint64("frames_sent", info.FramesSent),
		slog.Uint64("frames_dropped", info.FramesDropped),
		slog.Int("frames_discarded", discarded),
	)
	return nil
}

// finishLocked ends the current run. Must be called with s.mu held.
func (s *Session) finishLocked(state State) {
	s.conn = nil
	s.setState(state)
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// fail moves a streaming session to error, surfacing the frames that will
// never be sent
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.setState(StateError)
	conn := s.conn
	s.mu.Unlock()

	unsent := len(s.frames)
	s.logger.Error("Session failed",
		slog.String("error", err.Error()),
		slog.Int("unsent_frames", unsent),
	)

	s.emit(protocol.Statusf(protocol.LevelError,
		"translation stopped: %v (%d buffered audio frames were not sent)", err, unsent))
	s.closeGate()
	s.cancel()
	conn.Close()
	if s.config.Submitter != nil {
		s.config.Submitter.Close()
	}

	go func() {
		s.wg.Wait()
		s.drainFrames()
		s.mu.Lock()
		s.conn = nil
		close(s.done)
		s.mu.Unlock()
	}()
}

func (s *Session) drainFrames() int {
	n := 0
	for {
		select {
		case <-s.frames:
			n++
		default:
			return n
		}
	}
}

func (s *Session) sendLoop(ctx context.Context, conn translation.Conn, run chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			// No-op unless the caller of Start cancelled its context
			go s.stop(run)
			return
		case frame := <-s.frames:
			if err := conn.SendAudio(frame); err != nil {
				if ctx.Err() == nil {
					s.fail(fmt.Errorf("failed to send audio: %w", err))
				}
				return
			}
			s.mu.Lock()
			s.framesSent++
			s.mu.Unlock()
			s.metrics.RecordFrameSent()
		}
	}
}

func (s *Session) receiveLoop(ctx context.Context, conn translation.Conn) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			if ctx.Err() == nil {
				s.fail(fmt.Errorf("backend connection lost: %w", err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if msg == nil || msg.Empty() {
			continue
		}
		s.handleMessage(msg)
	}
}

// handleMessage maps one backend message to events. An interruption only
// clears downstream playback; the outbound audio channel stays open.
func (s *Session) handleMessage(msg *translation.Message) {
	decoupled := s.config.Submitter != nil

	if msg.Interrupted && !decoupled {
		s.emit(protocol.Interrupt())
	}

	if t := msg.InputTranscript; t != nil && t.Text != "" {
		s.emit(protocol.TranscriptOriginal(t.Text, t.Finished))
		if decoupled && t.Finished {
			if err := s.config.Submitter.Submit(t.Text); err != nil {
				s.logger.Warn("Failed to submit sentence", slog.String("error", err.Error()))
			}
		}
	}

	if !decoupled {
		if t := msg.OutputTranscript; t != nil && t.Text != "" {
			s.emit(protocol.TranscriptTranslated(t.Text, t.Finished))
		}
		if len(msg.Audio) > 0 {
			s.emit(protocol.AudioChunk(msg.Audio, protocol.OutputSampleRate))
		}
	}

	if msg.GoAway {
		s.logger.Warn("Backend will close the connection", slog.Duration("time_left", msg.TimeLeft))
		s.emit(protocol.Statusf(protocol.LevelWarn, "translation backend closing in %s", msg.TimeLeft.Round(time.Second)))
	}
}

// idleLoop stops the session after IdleTimeout without detected speech
func (s *Session) idleLoop(ctx context.Context, run chan struct{}) {
	interval := s.config.IdleTimeout / 4
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silence := s.vad.SilenceDuration()
			if silence < s.config.IdleTimeout {
				continue
			}
			s.logger.Info("No speech detected, stopping session", slog.Duration("silence", silence))
			s.emit(protocol.Statusf(protocol.LevelInfo, "stopped after %s without speech", s.config.IdleTimeout))
			// stop waits for this goroutine
			go s.stop(run)
			return
		}
	}
}

func (s *Session) openGate() {
	s.gateMu.Lock()
	s.gateOpen = true
	s.gateMu.Unlock()
}

// closeGate blocks until any in-flight emission has finished
func (s *Session) closeGate() {
	s.gateMu.Lock()
	s.gateOpen = false
	s.gateMu.Unlock()
}

// emit hands an event to the emitter unless the gate is closed
func (s *Session) emit(event protocol.Event) bool {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()

	if !s.gateOpen {
		return false
	}

	seq, err := s.emitter.Emit(event)
	if err != nil {
		s.logger.Warn("Failed to emit event",
			slog.String("type", string(event.Type)),
			slog.Uint64("sequence", seq),
			slog.String("error", err.Error()),
		)
		return false
	}

	s.mu.Lock()
	s.eventsEmitted++
	s.mu.Unlock()
	s.metrics.RecordEventEmitted(string(event.Type))
	return true
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() SessionInfo {
	info := SessionInfo{
		ID:              s.id,
		State:           s.state,
		Languages:       s.config.Languages,
		Decoupled:       s.config.Submitter != nil,
		StartedAt:       s.startedAt,
		EventsEmitted:   s.eventsEmitted,
		FramesSent:      s.framesSent,
		FramesDropped:   s.framesDropped,
		FramesQueued:    len(s.frames),
		VoicePercentage: s.vad.GetStats().VoicePercentage,
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}
