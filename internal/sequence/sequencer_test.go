package sequence

import (
	"errors"
	"sync"
	"testing"

	"github.com/skypro1111/live-interpreter/internal/protocol"
)

// recordingSink collects events in delivery order
type recordingSink struct {
	events []protocol.Event
	fail   error
	mu     sync.Mutex
}

func (r *recordingSink) Send(event protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, event)
	return nil
}

func TestSequencerStartsAfterLast(t *testing.T) {
	tests := []struct {
		name     string
		last     uint64
		expected uint64
	}{
		{name: "fresh room", last: 0, expected: 1},
		{name: "room with history", last: 41, expected: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			seq := NewSequencer(sink, tt.last)

			got, err := seq.Emit(protocol.Interrupt())
			if err != nil {
				t.Fatalf("Emit failed: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected sequence %d, got %d", tt.expected, got)
			}
			if sink.events[0].Sequence != tt.expected {
				t.Errorf("Expected delivered sequence %d, got %d", tt.expected, sink.events[0].Sequence)
			}
		})
	}
}

func TestSequencerConcurrentEmitDeliversInSequenceOrder(t *testing.T) {
	sink := &recordingSink{}
	seq := NewSequencer(sink, 0)

	const workers = 8
	const perWorker = 250

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				var event protocol.Event
				if i%2 == 0 {
					event = protocol.AudioChunk([]byte{0, 0}, protocol.OutputSampleRate)
				} else {
					event = protocol.TranscriptTranslated("x", false)
				}
				if _, err := seq.Emit(event); err != nil {
					t.Errorf("Emit failed: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	if len(sink.events) != workers*perWorker {
		t.Fatalf("Expected %d events, got %d", workers*perWorker, len(sink.events))
	}
	for i, event := range sink.events {
		if event.Sequence != uint64(i+1) {
			t.Fatalf("Expected sequence %d at position %d, got %d", i+1, i, event.Sequence)
		}
	}
}

func TestSequencerFailedSinkConsumesNumber(t *testing.T) {
	sink := &recordingSink{fail: errors.New("connection lost")}
	seq := NewSequencer(sink, 0)

	if _, err := seq.Emit(protocol.Interrupt()); err == nil {
		t.Fatal("Expected error from failing sink")
	}

	sink.fail = nil
	got, err := seq.Emit(protocol.Interrupt())
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if got != 2 {
		t.Errorf("Expected sequence 2 after a failed delivery, got %d", got)
	}

	stats := seq.GetStats()
	if stats.Failed != 1 || stats.Emitted != 1 {
		t.Errorf("Expected 1 failed and 1 emitted, got %+v", stats)
	}
}

func TestSequencerClose(t *testing.T) {
	sink := &recordingSink{}
	seq := NewSequencer(sink, 0)
	seq.Close()
	seq.Close()

	if _, err := seq.Emit(protocol.Interrupt()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if len(sink.events) != 0 {
		t.Errorf("Expected no delivered events, got %d", len(sink.events))
	}
}

func TestSequencerRejectsInvalidEvent(t *testing.T) {
	seq := NewSequencer(&recordingSink{}, 0)

	if _, err := seq.Emit(protocol.Status("fatal", "x")); !errors.Is(err, protocol.ErrInvalidEvent) {
		t.Errorf("Expected ErrInvalidEvent, got %v", err)
	}
	if seq.Last() != 0 {
		t.Errorf("Expected no number consumed, got last=%d", seq.Last())
	}
}
