package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidWAV is returned when a stream is not a PCM16 mono WAV file
var ErrInvalidWAV = errors.New("invalid WAV stream")

// WAVHeader represents the canonical 44-byte header written by WAVWriter
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

const wavHeaderSize = 44

// WAVFormat describes the PCM stream found in a WAV file
type WAVFormat struct {
	SampleRate    int   `json:"sample_rate"`
	Channels      int   `json:"channels"`
	BitsPerSample int   `json:"bits_per_sample"`
	DataSize      int64 `json:"data_size_bytes"` // -1 when the writer did not know the length
}

func newWAVHeader(sampleRate int, dataSize uint32) WAVHeader {
	const (
		numChannels   = uint16(1)
		bitsPerSample = uint16(16)
	)
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// ReadWAV parses a WAV header from r and returns the format together with a
// reader positioned at the start of the PCM data. Chunks other than "fmt "
// and "data" are skipped. Only 16-bit mono PCM is accepted.
func ReadWAV(r io.Reader) (WAVFormat, io.Reader, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return WAVFormat{}, nil, fmt.Errorf("%w: failed to read RIFF header: %v", ErrInvalidWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return WAVFormat{}, nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		format  WAVFormat
		haveFmt bool
	)
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return WAVFormat{}, nil, fmt.Errorf("%w: missing data chunk: %v", ErrInvalidWAV, err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVFormat{}, nil, fmt.Errorf("%w: fmt chunk too short (%d bytes)", ErrInvalidWAV, size)
			}
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return WAVFormat{}, nil, fmt.Errorf("%w: failed to read fmt chunk: %v", ErrInvalidWAV, err)
			}
			if audioFormat := binary.LittleEndian.Uint16(body[0:2]); audioFormat != 1 {
				return WAVFormat{}, nil, fmt.Errorf("%w: unsupported audio format %d (only PCM is supported)", ErrInvalidWAV, audioFormat)
			}
			format.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			format.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			haveFmt = true

		case "data":
			if !haveFmt {
				return WAVFormat{}, nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			if format.BitsPerSample != 16 {
				return WAVFormat{}, nil, fmt.Errorf("%w: unsupported bit depth %d (only 16-bit is supported)", ErrInvalidWAV, format.BitsPerSample)
			}
			if format.Channels != 1 {
				return WAVFormat{}, nil, fmt.Errorf("%w: unsupported channel count %d (only mono is supported)", ErrInvalidWAV, format.Channels)
			}
			if format.SampleRate <= 0 {
				return WAVFormat{}, nil, fmt.Errorf("%w: invalid sample rate %d", ErrInvalidWAV, format.SampleRate)
			}
			// Streaming encoders (ffmpeg to a pipe) write 0 or 0xFFFFFFFF
			if size == 0 || size == 0xFFFFFFFF {
				format.DataSize = -1
				return format, r, nil
			}
			format.DataSize = int64(size)
			return format, io.LimitReader(r, int64(size)), nil

		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)+int64(size%2)); err != nil {
				return WAVFormat{}, nil, fmt.Errorf("%w: failed to skip %q chunk: %v", ErrInvalidWAV, id, err)
			}
		}
	}
}

// WAVWriter streams PCM16 mono into a WAV file and fixes up the header
// sizes on Close
type WAVWriter struct {
	w          io.WriteSeeker
	sampleRate int
	written    uint32
	closed     bool
}

// NewWAVWriter writes a placeholder header and returns a writer for PCM data
func NewWAVWriter(w io.WriteSeeker, sampleRate int) (*WAVWriter, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	header := newWAVHeader(sampleRate, 0)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return &WAVWriter{w: w, sampleRate: sampleRate}, nil
}

// Write appends raw PCM bytes
func (ww *WAVWriter) Write(pcm []byte) (int, error) {
	if ww.closed {
		return 0, fmt.Errorf("write to closed WAV writer")
	}
	n, err := ww.w.Write(pcm)
	ww.written += uint32(n)
	return n, err
}

// Duration returns the length of audio written so far
func (ww *WAVWriter) Duration() float64 {
	return Duration(int(ww.written), ww.sampleRate).Seconds()
}

// Close patches the RIFF and data sizes. It does not close the underlying writer.
func (ww *WAVWriter) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true

	// An odd-length data chunk needs a pad byte
	if ww.written%2 == 1 {
		if _, err := ww.w.Write([]byte{0}); err != nil {
			return fmt.Errorf("failed to pad WAV data: %w", err)
		}
	}

	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind WAV file: %w", err)
	}
	header := newWAVHeader(ww.sampleRate, ww.written)
	if err := binary.Write(ww.w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("failed to rewrite WAV header: %w", err)
	}
	_, err := ww.w.Seek(0, io.SeekEnd)
	return err
}
