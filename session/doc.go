// Package session implements the timeout-driven session state machine. A
// Manager owns at most one active session per process, stamps its id onto
// tracked events, persists a snapshot on every mutation and restores a
// young-enough session across process restarts.
package session
