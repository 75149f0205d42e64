// Package playback turns a listener's ordered event stream into gapless
// audio and rendered transcripts.
//
// The Scheduler keeps a queue of decoded buffers and a cursor holding the
// next free start time. Each chunk starts at max(now, cursor) so chunks
// that arrive with jitter still play back to back. An interrupt discards
// everything queued and pulls the cursor back to the present.
//
// The Dispatcher checks sequence numbers and routes audio to the Scheduler
// and text to a Renderer. Listeners that only want text pass a nil
// Scheduler.
package playback
