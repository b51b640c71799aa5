// Package core provides the foundational domain types, interfaces and value
// model used by TelemetryMesh. It defines the core abstractions for:
//
//   - Events (immutable behavioral records with typed property bags)
//   - Sessions (timeout-bounded activity aggregates with counters)
//   - Consent (per-purpose records with TTL-based expiry)
//   - Rules (declarative condition/action documents evaluated against facts)
//   - Pluggable collaborators for storage, crypto, transport and device facts
//
// The package intentionally keeps implementation concerns (persistence,
// delivery, orchestration) out of scope, exposing small interfaces to enable
// custom backends and extensions. All exported identifiers include concise
// documentation to aid discoverability and external consumption.
package core
