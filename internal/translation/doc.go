// Package translation defines the contract the streaming session needs from
// a speech translation backend and provides adapters for Google Gemini.
//
// Two shapes are supported:
//   - a duplex Live connection (Backend/Conn) that accepts a continuous
//     16 kHz audio stream and returns transcripts of both languages plus
//     24 kHz translated speech, with turn-taking left to the backend's
//     activity detection
//   - request/response helpers (Translator, Synthesizer) used by the
//     decoupled pipeline, one call per finished source sentence
//
// Dialer wraps any Backend with a bounded connect timeout and retries for
// transient connect errors. All adapters keep request statistics.
package translation
