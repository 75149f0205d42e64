// Package vad classifies outbound audio frames as speech or silence.
//
// The speaker side only needs this to drive the idle timeout that stops a
// session after a long silence. Turn-taking and sentence boundaries are left
// to the translation backend's own activity detection.
package vad
