// Package stream runs the speaker side of a translation: a Session streams
// audio frames to a translation backend and turns transcripts, translated
// speech and interruptions into events for the room.
package stream
