package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/skypro1111/live-interpreter/internal/protocol"
)

// DefaultFrameDuration is the amount of audio carried by one frame
const DefaultFrameDuration = 200 * time.Millisecond

// frameQueueSize bounds how far the reader may run ahead of the ticker
const frameQueueSize = 4

// FrameSink receives one frame and reports whether it was accepted.
// Implementations must not block.
type FrameSink func(frame []byte) bool

// FrameSourceConfig contains frame source parameters
type FrameSourceConfig struct {
	InputRate     int           // sample rate of the PCM read from the source
	FrameDuration time.Duration // audio per frame
	Realtime      bool          // source is paced by a capture device, deliver as read
}

// FrameSource slices a PCM16 mono stream into fixed-size 16 kHz frames and
// pushes them to a sink at a constant cadence. A frame the sink refuses is
// dropped, never retried or buffered.
type FrameSource struct {
	reader     io.Reader
	config     FrameSourceConfig
	resampler  *Resampler
	frameBytes int
	logger     *slog.Logger

	produced  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// FrameSourceStats represents frame source statistics
type FrameSourceStats struct {
	Produced      uint64        `json:"produced"`
	Delivered     uint64        `json:"delivered"`
	Dropped       uint64        `json:"dropped"`
	FrameBytes    int           `json:"frame_bytes"`
	FrameDuration time.Duration `json:"frame_duration"`
}

// NewFrameSource creates a frame source reading from r
func NewFrameSource(r io.Reader, config FrameSourceConfig, logger *slog.Logger) (*FrameSource, error) {
	if config.InputRate <= 0 {
		return nil, fmt.Errorf("input rate must be positive, got %d", config.InputRate)
	}
	if config.FrameDuration <= 0 {
		config.FrameDuration = DefaultFrameDuration
	}

	resampler, err := NewResampler(config.InputRate, protocol.InputSampleRate)
	if err != nil {
		return nil, err
	}

	frameBytes := FrameSize(protocol.InputSampleRate, config.FrameDuration)
	if frameBytes == 0 {
		return nil, fmt.Errorf("frame duration %s is too short", config.FrameDuration)
	}

	return &FrameSource{
		reader:     r,
		config:     config,
		resampler:  resampler,
		frameBytes: frameBytes,
		logger:     logger,
	}, nil
}

// Run produces frames until the source is exhausted or ctx is cancelled.
// It returns nil at end of input.
func (s *FrameSource) Run(ctx context.Context, sink FrameSink) error {
	frames := make(chan []byte, frameQueueSize)
	readErr := make(chan error, 1)

	go func() {
		defer close(frames)
		readErr <- s.readFrames(ctx, frames)
	}()

	s.logger.Debug("Frame source started",
		slog.Int("input_rate", s.config.InputRate),
		slog.Int("frame_bytes", s.frameBytes),
		slog.Duration("frame_duration", s.config.FrameDuration),
		slog.Bool("realtime", s.config.Realtime),
	)

	if s.config.Realtime {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case frame, ok := <-frames:
				if !ok {
					return <-readErr
				}
				s.deliver(frame, sink)
			}
		}
	}

	ticker := time.NewTicker(s.config.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			select {
			case frame, ok := <-frames:
				if !ok {
					return <-readErr
				}
				s.deliver(frame, sink)
			default:
				// Source underrun, nothing to send this tick
			}
		}
	}
}

func (s *FrameSource) deliver(frame []byte, sink FrameSink) {
	if sink(frame) {
		s.delivered.Add(1)
		return
	}
	if s.dropped.Add(1)%50 == 1 {
		s.logger.Debug("Frame dropped by sink",
			slog.Uint64("dropped_total", s.dropped.Load()),
		)
	}
}

// readFrames reads input-rate blocks, resamples them and cuts 16 kHz frames.
// A trailing partial frame is zero-padded.
func (s *FrameSource) readFrames(ctx context.Context, out chan<- []byte) error {
	blockBytes := FrameSize(s.config.InputRate, s.config.FrameDuration)
	buf := make([]byte, blockBytes)
	var pending []byte

	emit := func(frame []byte) bool {
		s.produced.Add(1)
		select {
		case out <- frame:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		n, err := io.ReadFull(s.reader, buf)
		if n > 0 {
			converted, rerr := s.resampler.Process(buf[:n-n%protocol.BytesPerSample])
			if rerr != nil {
				return rerr
			}
			pending = append(pending, converted...)

			for len(pending) >= s.frameBytes {
				frame := make([]byte, s.frameBytes)
				copy(frame, pending)
				pending = pending[s.frameBytes:]
				if !emit(frame) {
					return nil
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				tail, ferr := s.resampler.Flush()
				if ferr != nil {
					return ferr
				}
				pending = append(pending, tail...)

				for len(pending) >= s.frameBytes {
					frame := make([]byte, s.frameBytes)
					copy(frame, pending)
					pending = pending[s.frameBytes:]
					if !emit(frame) {
						return nil
					}
				}
				if len(pending) > 0 {
					frame := make([]byte, s.frameBytes)
					copy(frame, pending)
					emit(frame)
				}
				return nil
			}
			return fmt.Errorf("failed to read audio source: %w", err)
		}
	}
}

// FrameBytes returns the size of every produced frame
func (s *FrameSource) FrameBytes() int {
	return s.frameBytes
}

// Stats returns current frame source statistics
func (s *FrameSource) Stats() FrameSourceStats {
	return FrameSourceStats{
		Produced:      s.produced.Load(),
		Delivered:     s.delivered.Load(),
		Dropped:       s.dropped.Load(),
		FrameBytes:    s.frameBytes,
		FrameDuration: s.config.FrameDuration,
	}
}
