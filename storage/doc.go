// Package storage provides implementations of the core.Storage key/value
// contract used to persist the event queue, current session, consent records,
// user attributes and rules.
//
// InMemory is the default and suits tests and short-lived processes. The
// sqlite and redis subpackages provide durable implementations for hosts that
// need state to survive a restart.
package storage
