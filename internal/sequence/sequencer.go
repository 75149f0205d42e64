package sequence

import (
	"errors"
	"fmt"
	"sync"

	"github.com/skypro1111/live-interpreter/internal/protocol"
)

// ErrClosed is returned when emitting through a closed sequencer
var ErrClosed = errors.New("sequencer closed")

// Sink receives sequenced events in sequence order
type Sink interface {
	Send(event protocol.Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(event protocol.Event) error

// Send calls f(event)
func (f SinkFunc) Send(event protocol.Event) error {
	return f(event)
}

// Sequencer numbers events exactly once, at emission time, and forwards
// them to the sink inside the same critical section so that the order
// of sequence numbers is the order of delivery.
type Sequencer struct {
	sink   Sink
	next   uint64
	closed bool

	emitted uint64
	failed  uint64

	mu sync.Mutex
}

// SequencerStats represents sequencer statistics
type SequencerStats struct {
	NextSequence uint64 `json:"next_sequence"`
	Emitted      uint64 `json:"emitted"`
	Failed       uint64 `json:"failed"`
	Closed       bool   `json:"closed"`
}

// NewSequencer creates a sequencer whose first event gets last+1.
// last is the highest sequence the room has already relayed (0 for a new room).
func NewSequencer(sink Sink, last uint64) *Sequencer {
	return &Sequencer{
		sink: sink,
		next: last + 1,
	}
}

// Emit assigns the next sequence number and delivers the event. A number is
// consumed even if the sink fails, so it is never handed out twice.
func (s *Sequencer) Emit(event protocol.Event) (uint64, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	seq := s.next
	s.next++
	event.Sequence = seq

	if err := s.sink.Send(event); err != nil {
		s.failed++
		return seq, fmt.Errorf("failed to deliver event %d: %w", seq, err)
	}
	s.emitted++
	return seq, nil
}

// Close rejects any further emission. Safe to call more than once.
func (s *Sequencer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Last returns the highest sequence number handed out so far
func (s *Sequencer) Last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next - 1
}

// GetStats returns current sequencer statistics
func (s *Sequencer) GetStats() SequencerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SequencerStats{
		NextSequence: s.next,
		Emitted:      s.emitted,
		Failed:       s.failed,
		Closed:       s.closed,
	}
}
