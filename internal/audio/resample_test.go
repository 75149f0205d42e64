package audio

import (
	"bytes"
	"testing"
)

func TestResamplerPassthrough(t *testing.T) {
	r, err := NewResampler(16000, 16000)
	if err != nil {
		t.Fatalf("NewResampler failed: %v", err)
	}
	if !r.Passthrough() {
		t.Error("Expected pass-through for equal rates")
	}

	pcm := SamplesToBytes([]int16{1, 2, 3})
	out, err := r.Process(pcm)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !bytes.Equal(out, pcm) {
		t.Error("Expected unchanged PCM")
	}
}

func TestResamplerDownsample(t *testing.T) {
	r, err := NewResampler(48000, 16000)
	if err != nil {
		t.Fatalf("NewResampler failed: %v", err)
	}
	if r.Passthrough() {
		t.Fatal("Expected conversion for different rates")
	}

	// One second of 440 Hz fed in 100ms blocks
	samples := sineSamples(48000, 440, 48000)
	total := 0
	for off := 0; off < len(samples); off += 4800 {
		out, err := r.Process(SamplesToBytes(samples[off : off+4800]))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if len(out)%2 != 0 {
			t.Fatalf("Expected whole samples, got %d bytes", len(out))
		}
		total += len(out) / 2
	}

	// Filter delay holds back a little output
	if total < 16000*85/100 || total > 16000*105/100 {
		t.Errorf("Expected about 16000 output samples, got %d", total)
	}
}

func TestResamplerFlushKeepsTail(t *testing.T) {
	tests := []struct {
		name       string
		inputRate  int
		outputRate int
		blocks     int
	}{
		{"upsample single block", 16000, 24000, 1},
		{"upsample in blocks", 16000, 24000, 10},
		{"downsample in blocks", 48000, 16000, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewResampler(tt.inputRate, tt.outputRate)
			if err != nil {
				t.Fatalf("NewResampler failed: %v", err)
			}

			// One second of input
			samples := sineSamples(tt.inputRate, 440, tt.inputRate)
			block := len(samples) / tt.blocks
			total := 0
			for off := 0; off < len(samples); off += block {
				out, err := r.Process(SamplesToBytes(samples[off:min(off+block, len(samples))]))
				if err != nil {
					t.Fatalf("Process failed: %v", err)
				}
				total += len(out) / 2
			}

			tail, err := r.Flush()
			if err != nil {
				t.Fatalf("Flush failed: %v", err)
			}
			if len(tail) == 0 {
				t.Error("Expected the filter tail from Flush")
			}
			total += len(tail) / 2

			// Within a millisecond of the exact length, never longer
			if total > tt.outputRate || total < tt.outputRate-tt.outputRate/1000 {
				t.Errorf("Expected %d output samples, got %d", tt.outputRate, total)
			}
		})
	}
}

func TestResamplerFlushPassthrough(t *testing.T) {
	r, err := NewResampler(24000, 24000)
	if err != nil {
		t.Fatalf("NewResampler failed: %v", err)
	}
	tail, err := r.Flush()
	if err != nil || len(tail) != 0 {
		t.Errorf("Expected empty flush for pass-through, got %d bytes, err %v", len(tail), err)
	}
}

func TestResamplerRejectsInvalidRates(t *testing.T) {
	if _, err := NewResampler(0, 16000); err == nil {
		t.Error("Expected error for zero input rate")
	}
	if _, err := NewResampler(16000, -1); err == nil {
		t.Error("Expected error for negative output rate")
	}
}
