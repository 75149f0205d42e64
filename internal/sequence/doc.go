// Package sequence provides the single ordering point for relay events.
// It assigns room-scoped sequence numbers at emission time, holds
// out-of-turn completions in a reordering buffer until earlier logical
// indexes are ready, and lets listeners detect gaps from sequence alone.
package sequence
