// Package audio captures linear PCM and turns it into the fixed-size frames
// the streaming session sends to the translation backend.
//
// It contains:
//   - FrameSource: paced frame producer with a never-blocking drop policy
//   - Resampler: int16 PCM rate conversion on top of go-audio-resampling
//   - streaming WAV reader and writer for file input and recordings
//   - PCM helpers shared with the playback side
//
// All PCM handled here is 16-bit little-endian mono.
package audio
