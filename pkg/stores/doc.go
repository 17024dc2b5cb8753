// Package stores provides SQLite-backed persistence for the lifecycle
// engine. The schema lives in embedded migrations and is applied with
// golang-migrate at startup.
//
// Two invariants are enforced at the schema level rather than in code:
// a partial unique index keeps each target to at most one non-terminal
// package, and the state predicate in TransitionPackage's UPDATE makes
// concurrent transitions lose cleanly with engine.ErrStaleState.
package stores
