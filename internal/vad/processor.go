package vad

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/skypro1111/live-interpreter/internal/audio"
)

// fullScaleRMS is the RMS level mapped to a speech probability of 1.0
const fullScaleRMS = 10000.0

// Processor is an energy-based speech detector with exponential smoothing
type Processor struct {
	threshold float32 // probability at or above which a frame counts as speech
	smoothing float32 // weight of the newest frame, 1 disables smoothing

	// VAD state
	lastResult float32
	lastVoice  time.Time

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	now func() time.Time
	mu  sync.RWMutex
}

// VADResult represents the result of voice activity detection for one frame
type VADResult struct {
	Probability float32   `json:"probability"` // Voice probability (0.0 - 1.0)
	HasVoice    bool      `json:"has_voice"`
	Confidence  float32   `json:"confidence"` // Distance from the threshold, scaled to 0-1
	WindowIndex int       `json:"window_index"`
	Timestamp   time.Time `json:"timestamp"`
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	LastVoice       time.Time `json:"last_voice"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a speech detector. The silence clock starts now, so a
// source that never carries speech still reaches the idle timeout.
func NewProcessor(threshold, smoothing float32) (*Processor, error) {
	return newProcessor(threshold, smoothing, time.Now)
}

func newProcessor(threshold, smoothing float32, now func() time.Time) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}
	if smoothing <= 0 || smoothing > 1 {
		return nil, fmt.Errorf("smoothing must be in (0, 1], got %f", smoothing)
	}

	return &Processor{
		threshold: threshold,
		smoothing: smoothing,
		lastVoice: now(),
		now:       now,
	}, nil
}

// ProcessFrame classifies a PCM16 frame
func (p *Processor) ProcessFrame(pcm []byte) VADResult {
	return p.Process(audio.BytesToSamples(pcm))
}

// Process classifies a window of samples of any length
func (p *Processor) Process(samples []int16) VADResult {
	probability := float32(math.Min(audio.RMS(samples)/fullScaleRMS, 1.0))

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.totalWindows > 0 {
		probability = p.smoothing*probability + (1-p.smoothing)*p.lastResult
	}
	p.lastResult = probability

	hasVoice := probability >= p.threshold
	now := p.now()

	p.totalWindows++
	if hasVoice {
		p.voiceWindows++
		p.lastVoice = now
	}
	p.lastProcessed = now

	confidence := float32(math.Abs(float64(probability - p.threshold)))
	if confidence > 0.5 {
		confidence = 0.5
	}

	return VADResult{
		Probability: probability,
		HasVoice:    hasVoice,
		Confidence:  confidence * 2,
		WindowIndex: int(p.totalWindows - 1),
		Timestamp:   now,
	}
}

// LastVoice returns when speech was last detected
func (p *Processor) LastVoice() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastVoice
}

// SilenceDuration returns how long no speech has been detected
func (p *Processor) SilenceDuration() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.now().Sub(p.lastVoice)
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
		LastVoice:       p.lastVoice,
		Threshold:       p.threshold,
	}
}

// Reset clears statistics and restarts the silence clock
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalWindows = 0
	p.voiceWindows = 0
	p.lastResult = 0
	p.lastProcessed = time.Time{}
	p.lastVoice = p.now()
}
