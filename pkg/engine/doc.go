// Package engine implements the package lifecycle: versioned collection
// packages move through a guarded state machine from draft to closed,
// handing execution off to an external executor and reconciling its
// outputs into an evidence manifest.
//
// The Officer drives everything. Each sweep synthesizes packages for
// targets that need one, advances live packages through validation,
// handoff, reconciliation and closure, and resolves failures by
// resubmission or replanning. All state lives in the Store; the engine
// keeps nothing load-bearing in memory, so sweeps are re-entrant and
// safe to rerun after a crash.
package engine
