package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/live-interpreter/internal/audio"
	"github.com/skypro1111/live-interpreter/internal/metrics"
	"github.com/skypro1111/live-interpreter/internal/protocol"
	"github.com/skypro1111/live-interpreter/internal/sequence"
	"github.com/skypro1111/live-interpreter/internal/translation"
)

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New("pipeline closed")

const (
	DefaultMaxConcurrent = 4
	DefaultUnitTimeout   = 30 * time.Second
	DefaultChunkDuration = 500 * time.Millisecond
)

// Emitter assigns sequence numbers and delivers events
type Emitter interface {
	Emit(event protocol.Event) (uint64, error)
}

// Config contains pipeline configuration
type Config struct {
	Languages     translation.Languages
	MaxConcurrent int
	UnitTimeout   time.Duration // translate plus synthesize, per sentence
	ChunkDuration time.Duration // length of each emitted audio-chunk
}

// Pipeline runs one unit per submitted sentence. Units run concurrently and
// their events pass through a reordering buffer keyed by submission index.
type Pipeline struct {
	translator  translation.Translator
	synthesizer translation.Synthesizer // nil for text-only output
	emitter     Emitter
	config      Config
	metrics     *metrics.Metrics
	logger      *slog.Logger

	reorder   *sequence.ReorderBuffer[[]protocol.Event]
	semaphore chan struct{}
	next      uint64
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Statistics
	submitted uint64
	succeeded uint64
	failed    uint64

	// Held across reordering and emission so batches leave in index order
	mu sync.Mutex
}

// Stats represents pipeline statistics
type Stats struct {
	Submitted uint64                `json:"submitted"`
	Succeeded uint64                `json:"succeeded"`
	Failed    uint64                `json:"failed"`
	Reorder   sequence.ReorderStats `json:"reorder"`
}

// New creates a pipeline. synthesizer may be nil.
func New(translator translation.Translator, synthesizer translation.Synthesizer, emitter Emitter,
	config Config, m *metrics.Metrics, logger *slog.Logger) (*Pipeline, error) {
	if translator == nil || emitter == nil {
		return nil, fmt.Errorf("translator and emitter are required")
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	if config.UnitTimeout <= 0 {
		config.UnitTimeout = DefaultUnitTimeout
	}
	if config.ChunkDuration <= 0 {
		config.ChunkDuration = DefaultChunkDuration
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		translator:  translator,
		synthesizer: synthesizer,
		emitter:     emitter,
		config:      config,
		metrics:     m,
		logger:      logger.With(slog.String("component", "pipeline")),
		reorder:     sequence.NewReorderBuffer[[]protocol.Event](),
		semaphore:   make(chan struct{}, config.MaxConcurrent),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Submit queues a finished sentence. It never blocks on translation.
func (p *Pipeline) Submit(text string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	index := p.next
	p.next++
	p.submitted++
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		events := p.process(index, text)
		p.deliver(index, events)
	}()
	return nil
}

// process translates and synthesizes one sentence. A failure yields a warn
// status so the unit still occupies its slot.
func (p *Pipeline) process(index uint64, text string) []protocol.Event {
	select {
	case p.semaphore <- struct{}{}:
		defer func() { <-p.semaphore }()
	case <-p.ctx.Done():
		return nil
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.config.UnitTimeout)
	defer cancel()

	start := time.Now()
	events, err := p.run(ctx, text)
	duration := time.Since(start)
	p.metrics.RecordPipelineUnit(duration, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failed++
		if p.ctx.Err() != nil {
			return nil
		}
		p.logger.Warn("Sentence failed",
			slog.Uint64("index", index),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return []protocol.Event{protocol.Statusf(protocol.LevelWarn, "could not translate %q: %v", text, err)}
	}

	p.succeeded++
	p.logger.Debug("Sentence translated",
		slog.Uint64("index", index),
		slog.Duration("duration", duration),
		slog.Int("events", len(events)),
	)
	return events
}

func (p *Pipeline) run(ctx context.Context, text string) ([]protocol.Event, error) {
	translated, err := p.translator.Translate(ctx, text, p.config.Languages)
	if err != nil {
		return nil, fmt.Errorf("translation failed: %w", err)
	}
	events := []protocol.Event{protocol.TranscriptTranslated(translated, true)}

	if p.synthesizer == nil {
		return events, nil
	}

	pcm, rate, err := p.synthesizer.Synthesize(ctx, translated, p.config.Languages.Target)
	if err != nil {
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}

	resampler, err := audio.NewResampler(rate, protocol.OutputSampleRate)
	if err != nil {
		return nil, err
	}
	pcm, err = resampler.Process(pcm)
	if err != nil {
		return nil, fmt.Errorf("failed to resample speech: %w", err)
	}
	tail, err := resampler.Flush()
	if err != nil {
		return nil, fmt.Errorf("failed to resample speech: %w", err)
	}
	pcm = append(pcm, tail...)

	chunkSize := audio.FrameSize(protocol.OutputSampleRate, p.config.ChunkDuration)
	for offset := 0; offset < len(pcm); offset += chunkSize {
		end := min(offset+chunkSize, len(pcm))
		events = append(events, protocol.AudioChunk(pcm[offset:end], protocol.OutputSampleRate))
	}
	return events, nil
}

// deliver releases every batch that is now in turn
func (p *Pipeline) deliver(index uint64, events []protocol.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ready, err := p.reorder.Add(index, events)
	if err != nil {
		p.logger.Error("Reordering failed", slog.Uint64("index", index), slog.String("error", err.Error()))
		return
	}
	if p.closed {
		return
	}

	for _, batch := range ready {
		for _, event := range batch {
			if _, err := p.emitter.Emit(event); err != nil {
				p.logger.Warn("Failed to emit event",
					slog.String("type", string(event.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Close cancels in-flight units and waits for them. Nothing is emitted
// once Close has been called.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.next - p.reorder.Next()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	if pending > 0 {
		p.logger.Info("Pipeline closed with sentences in flight", slog.Uint64("abandoned", pending))
	}
	return nil
}

// GetStats returns current pipeline statistics
func (p *Pipeline) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Submitted: p.submitted,
		Succeeded: p.succeeded,
		Failed:    p.failed,
		Reorder:   p.reorder.GetStats(),
	}
}
