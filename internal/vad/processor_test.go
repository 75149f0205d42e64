package vad

import (
	"testing"
	"time"
)

// fakeClock advances only when told to
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func constantSamples(value int16, n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return samples
}

func TestNewProcessor(t *testing.T) {
	tests := []struct {
		name      string
		threshold float32
		smoothing float32
		expectErr bool
	}{
		{name: "valid", threshold: 0.05, smoothing: 0.5},
		{name: "no smoothing", threshold: 0.5, smoothing: 1},
		{name: "negative threshold", threshold: -0.1, smoothing: 0.5, expectErr: true},
		{name: "threshold above one", threshold: 1.5, smoothing: 0.5, expectErr: true},
		{name: "zero smoothing", threshold: 0.5, smoothing: 0, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.threshold, tt.smoothing)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestProcessClassifiesEnergy(t *testing.T) {
	processor, err := NewProcessor(0.1, 1)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	tests := []struct {
		name     string
		samples  []int16
		hasVoice bool
	}{
		{name: "silence", samples: constantSamples(0, 3200), hasVoice: false},
		{name: "background hiss", samples: constantSamples(300, 3200), hasVoice: false},
		{name: "speech level", samples: constantSamples(5000, 3200), hasVoice: true},
		{name: "clipping", samples: constantSamples(32767, 3200), hasVoice: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := processor.Process(tt.samples)
			if result.HasVoice != tt.hasVoice {
				t.Errorf("Expected hasVoice=%v, got %v (probability %.3f)", tt.hasVoice, result.HasVoice, result.Probability)
			}
			if result.Probability < 0 || result.Probability > 1 {
				t.Errorf("Invalid probability: %f", result.Probability)
			}
			if result.Confidence < 0 || result.Confidence > 1 {
				t.Errorf("Invalid confidence: %f", result.Confidence)
			}
		})
	}

	stats := processor.GetStats()
	if stats.TotalWindows != 4 || stats.VoiceWindows != 2 {
		t.Errorf("Expected 4 windows with 2 voiced, got %+v", stats)
	}
	if stats.VoicePercentage != 50 {
		t.Errorf("Expected 50%% voice, got %f", stats.VoicePercentage)
	}
}

func TestSmoothingDelaysSilence(t *testing.T) {
	processor, err := NewProcessor(0.2, 0.5)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	processor.Process(constantSamples(8000, 1600)) // 0.8
	result := processor.Process(constantSamples(0, 1600))
	if !result.HasVoice {
		t.Errorf("Expected one silent frame after speech to stay voiced, probability %.3f", result.Probability)
	}

	processor.Process(constantSamples(0, 1600))
	result = processor.Process(constantSamples(0, 1600))
	if result.HasVoice {
		t.Errorf("Expected sustained silence to be unvoiced, probability %.3f", result.Probability)
	}
}

func TestSilenceDuration(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	processor, err := newProcessor(0.1, 1, clock.Now)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	clock.Advance(2 * time.Minute)
	if got := processor.SilenceDuration(); got != 2*time.Minute {
		t.Errorf("Expected 2m of silence since creation, got %s", got)
	}

	processor.ProcessFrame(make([]byte, 6400))
	clock.Advance(time.Minute)
	if got := processor.SilenceDuration(); got != 3*time.Minute {
		t.Errorf("Expected silent frames not to reset the clock, got %s", got)
	}

	speech := make([]byte, 6400)
	for i := 0; i < len(speech); i += 2 {
		speech[i], speech[i+1] = 0x88, 0x13 // 5000
	}
	processor.ProcessFrame(speech)
	if !processor.LastVoice().Equal(clock.now) {
		t.Errorf("Expected last voice at %s, got %s", clock.now, processor.LastVoice())
	}

	clock.Advance(10 * time.Second)
	if got := processor.SilenceDuration(); got != 10*time.Second {
		t.Errorf("Expected 10s of silence, got %s", got)
	}

	processor.Reset()
	if got := processor.SilenceDuration(); got != 0 {
		t.Errorf("Expected reset silence clock, got %s", got)
	}
}
