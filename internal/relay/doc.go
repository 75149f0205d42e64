// Package relay fans ordered events from one authorized writer out to any
// number of listeners per room. Rooms live in a process-local Registry and
// expire a fixed time after creation.
package relay
