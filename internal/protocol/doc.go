// Package protocol implements the room wire protocol.
// Every relay message is a JSON object with a type discriminator and a
// room-scoped monotonic sequence number; the variant set is closed.
package protocol
