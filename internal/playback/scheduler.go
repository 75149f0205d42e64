package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/live-interpreter/internal/audio"
	"github.com/skypro1111/live-interpreter/internal/protocol"
)

// ErrNotAudio is returned when a non audio-chunk event is enqueued
var ErrNotAudio = errors.New("not an audio-chunk event")

// Clock is the playback time source
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock
var SystemClock Clock = systemClock{}

// Buffer is one decoded chunk with its scheduled start time
type Buffer struct {
	Sequence   uint64
	Samples    []int16
	SampleRate int
	Start      time.Time
	Duration   time.Duration
}

// End returns the time the buffer finishes playing
func (b Buffer) End() time.Time {
	return b.Start.Add(b.Duration)
}

// Sink receives buffers when their start time arrives
type Sink interface {
	Play(buf Buffer) error
}

// Scheduler orders audio chunks on a single timeline
type Scheduler struct {
	queue  []Buffer
	cursor time.Time
	wake   chan struct{}

	// Statistics
	scheduled  uint64
	played     uint64
	discarded  uint64
	interrupts uint64

	clock  Clock
	sink   Sink
	logger *slog.Logger
	mu     sync.Mutex
}

// SchedulerStats represents scheduler statistics
type SchedulerStats struct {
	Scheduled  uint64        `json:"scheduled"`
	Played     uint64        `json:"played"`
	Discarded  uint64        `json:"discarded"`
	Interrupts uint64        `json:"interrupts"`
	Pending    int           `json:"pending"`
	Backlog    time.Duration `json:"backlog"`
}

// NewScheduler creates a scheduler delivering to sink. A nil clock means
// SystemClock.
func NewScheduler(sink Sink, clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	return &Scheduler{
		wake:   make(chan struct{}, 1),
		clock:  clock,
		sink:   sink,
		logger: logger.With(slog.String("component", "playback")),
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Enqueue decodes an audio-chunk event and schedules it right after the
// previous chunk, or now if the timeline has run dry
func (s *Scheduler) Enqueue(event protocol.Event) (Buffer, error) {
	if event.Type != protocol.TypeAudioChunk {
		return Buffer{}, fmt.Errorf("%w: %s", ErrNotAudio, event.Type)
	}
	if err := event.Validate(); err != nil {
		return Buffer{}, err
	}

	buf := Buffer{
		Sequence:   event.Sequence,
		Samples:    audio.BytesToSamples(event.Audio),
		SampleRate: event.SampleRate,
		Duration:   audio.Duration(len(event.Audio), event.SampleRate),
	}

	s.mu.Lock()
	now := s.clock.Now()
	buf.Start = s.cursor
	if now.After(buf.Start) {
		buf.Start = now
	}
	s.cursor = buf.End()
	s.queue = append(s.queue, buf)
	s.scheduled++
	s.mu.Unlock()

	s.signal()
	return buf, nil
}

// Interrupt drops every queued buffer and resets the cursor to now
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.cursor = s.clock.Now()
	s.discarded += uint64(dropped)
	s.interrupts++
	s.mu.Unlock()

	s.signal()
	if dropped > 0 {
		s.logger.Debug("Discarded queued audio", slog.Int("buffers", dropped))
	}
	return dropped
}

// Cursor returns the start time the next chunk would get if the clock
// stood still
func (s *Scheduler) Cursor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Pending returns the number of buffers not yet delivered
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run delivers buffers to the sink as their start times arrive, until ctx
// is done or the sink fails
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		var (
			head Buffer
			wait time.Duration
			have = len(s.queue) > 0
		)
		if have {
			head = s.queue[0]
			wait = head.Start.Sub(s.clock.Now())
			if wait <= 0 {
				s.queue = s.queue[1:]
				s.played++
			}
		}
		s.mu.Unlock()

		if have && wait <= 0 {
			if err := s.sink.Play(head); err != nil {
				return fmt.Errorf("playback sink failed at sequence %d: %w", head.Sequence, err)
			}
			continue
		}

		var timer <-chan time.Time
		if have {
			timer = s.clock.After(wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer:
		}
	}
}

// GetStats returns current scheduler statistics
func (s *Scheduler) GetStats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var backlog time.Duration
	if now := s.clock.Now(); s.cursor.After(now) {
		backlog = s.cursor.Sub(now)
	}
	return SchedulerStats{
		Scheduled:  s.scheduled,
		Played:     s.played,
		Discarded:  s.discarded,
		Interrupts: s.interrupts,
		Pending:    len(s.queue),
		Backlog:    backlog,
	}
}

// MaxSilence caps the silence WriterSink inserts for a single gap
const MaxSilence = 5 * time.Second

// WriterSink writes delivered PCM to w. Time between the end of one buffer
// and the start of the next is written as silence, up to MaxSilence.
type WriterSink struct {
	w   io.Writer
	end time.Time
}

// NewWriterSink creates a sink writing PCM16 to w
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Play writes buf, preceded by silence for any gap since the previous one
func (ws *WriterSink) Play(buf Buffer) error {
	if !ws.end.IsZero() && buf.Start.After(ws.end) {
		gap := audio.FrameSize(buf.SampleRate, min(buf.Start.Sub(ws.end), MaxSilence))
		if _, err := ws.w.Write(make([]byte, gap)); err != nil {
			return err
		}
	}
	if _, err := ws.w.Write(audio.SamplesToBytes(buf.Samples)); err != nil {
		return err
	}
	ws.end = buf.End()
	return nil
}

// SinkFunc adapts a function to Sink
type SinkFunc func(buf Buffer) error

// Play calls f
func (f SinkFunc) Play(buf Buffer) error {
	return f(buf)
}
