package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts PCM16 mono between sample rates. It keeps filter state
// between calls, so one Resampler must be used per stream.
type Resampler struct {
	inputRate  int
	outputRate int
	resampler  resampling.Resampler

	samplesIn  int64
	samplesOut int64
}

// NewResampler creates a converter. Equal rates produce a pass-through.
func NewResampler(inputRate, outputRate int) (*Resampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", inputRate, outputRate)
	}

	r := &Resampler{inputRate: inputRate, outputRate: outputRate}
	if inputRate == outputRate {
		return r, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(inputRate),
		OutputRate: float64(outputRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	r.resampler = rs
	return r, nil
}

// Passthrough reports whether no conversion takes place
func (r *Resampler) Passthrough() bool {
	return r.resampler == nil
}

// Process converts one block of PCM16 bytes. The output may be shorter or
// longer than the ratio suggests while the filter fills up.
func (r *Resampler) Process(pcm []byte) ([]byte, error) {
	if r.resampler == nil {
		return pcm, nil
	}

	samples := BytesToSamples(pcm)
	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s) / 32768.0
	}

	output, err := r.resampler.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	r.samplesIn += int64(len(input))
	r.samplesOut += int64(len(output))
	return toPCM(output), nil
}

// Flush returns the samples still held by the filter once input has ended.
// Total output is trimmed to the exact rate ratio of the input consumed.
func (r *Resampler) Flush() ([]byte, error) {
	if r.resampler == nil {
		return nil, nil
	}

	// Push silence through every stage to drain the filter delay
	latency := r.resampler.GetLatency()
	padding := make([]float64, (latency+1)*r.inputRate/r.outputRate+r.inputRate/100)
	output, err := r.resampler.Process(padding)
	if err != nil {
		return nil, fmt.Errorf("resample flush error: %w", err)
	}
	rest, err := r.resampler.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample flush error: %w", err)
	}
	output = append(output, rest...)

	expected := r.samplesIn * int64(r.outputRate) / int64(r.inputRate)
	remaining := max(expected-r.samplesOut, 0)
	if int64(len(output)) > remaining {
		output = output[:remaining]
	}
	r.samplesOut += int64(len(output))
	return toPCM(output), nil
}

func toPCM(output []float64) []byte {
	converted := make([]int16, len(output))
	for i, s := range output {
		switch {
		case s >= 1.0:
			converted[i] = 32767
		case s <= -1.0:
			converted[i] = -32768
		default:
			converted[i] = int16(s * 32767.0)
		}
	}
	return SamplesToBytes(converted)
}
