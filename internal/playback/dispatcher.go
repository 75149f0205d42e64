package playback

import (
	"context"
	"log/slog"

	"github.com/skypro1111/live-interpreter/internal/protocol"
	"github.com/skypro1111/live-interpreter/internal/sequence"
)

// Renderer displays transcript and status events
type Renderer interface {
	Render(event protocol.Event)
}

// RendererFunc adapts a function to Renderer
type RendererFunc func(event protocol.Event)

// Render calls f
func (f RendererFunc) Render(event protocol.Event) {
	f(event)
}

// Dispatcher routes a listener's events. Events whose sequence was already
// passed are dropped so nothing is ever played or shown out of order.
type Dispatcher struct {
	tracker   *sequence.Tracker
	scheduler *Scheduler
	renderer  Renderer
	logger    *slog.Logger
}

// DispatcherStats represents dispatcher statistics
type DispatcherStats struct {
	Sequence  sequence.TrackerStats `json:"sequence"`
	Scheduler *SchedulerStats       `json:"scheduler,omitempty"`
}

// NewDispatcher creates a dispatcher. scheduler may be nil for text-only
// listeners; renderer may be nil when only audio is wanted.
func NewDispatcher(scheduler *Scheduler, renderer Renderer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		tracker:   sequence.NewTracker(),
		scheduler: scheduler,
		renderer:  renderer,
		logger:    logger.With(slog.String("component", "dispatcher")),
	}
}

// Dispatch handles one event and reports whether it was delivered
func (d *Dispatcher) Dispatch(event protocol.Event) bool {
	verdict, skipped := d.tracker.Observe(event.Sequence)
	switch verdict {
	case sequence.Stale:
		d.logger.Warn("Dropped out-of-order event",
			slog.Uint64("sequence", event.Sequence),
			slog.String("type", string(event.Type)),
		)
		return false
	case sequence.Gap:
		d.logger.Warn("Sequence gap detected",
			slog.Uint64("sequence", event.Sequence),
			slog.Uint64("missing", skipped),
		)
	}

	switch event.Type {
	case protocol.TypeAudioChunk:
		if d.scheduler != nil {
			if _, err := d.scheduler.Enqueue(event); err != nil {
				d.logger.Warn("Failed to schedule audio", slog.String("error", err.Error()))
				return false
			}
		}
	case protocol.TypeInterrupt:
		if d.scheduler != nil {
			d.scheduler.Interrupt()
		}
		if d.renderer != nil {
			d.renderer.Render(event)
		}
	default:
		if d.renderer != nil {
			d.renderer.Render(event)
		}
	}
	return true
}

// Run dispatches events until the channel closes or ctx is done
func (d *Dispatcher) Run(ctx context.Context, events <-chan protocol.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			d.Dispatch(event)
		}
	}
}

// GetStats returns current dispatcher statistics
func (d *Dispatcher) GetStats() DispatcherStats {
	stats := DispatcherStats{Sequence: d.tracker.GetStats()}
	if d.scheduler != nil {
		s := d.scheduler.GetStats()
		stats.Scheduler = &s
	}
	return stats
}
