package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Target is a research subject tracked for eventual collection.
type Target struct {
	// ID is the unique identifier for this target.
	ID string `json:"id" validate:"required"`

	// Name is the human-readable name of the subject.
	Name string `json:"name" validate:"required"`

	// Category classifies the subject.
	Category TargetCategory `json:"category" validate:"required"`

	// Priority orders collection work; 1 is highest.
	Priority int `json:"priority" validate:"required,min=1"`

	// Status is the target's lifecycle status.
	Status TargetStatus `json:"status"`

	// Metadata is free-form operator-visible metadata. The engine records
	// failed package references here under "failed_packages".
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the target was registered.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the target was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// OutputDescriptor names an artifact a package is expected to produce.
type OutputDescriptor struct {
	// Path is the logical path of the artifact in the artifact store.
	Path string `json:"path"`

	// Kind is the expected artifact kind at that path.
	Kind ArtifactKind `json:"kind"`
}

// Package is a versioned collection plan bound to exactly one target.
// A target may accumulate many package versions over time but holds at
// most one package in a non-terminal state.
type Package struct {
	// ID follows the target-versioned naming convention; see PackageID.
	ID string `json:"id" validate:"required"`

	// TargetID references the owning target.
	TargetID string `json:"target_id" validate:"required"`

	// Version is strictly increasing per target and never reused.
	Version int `json:"version" validate:"required,min=1"`

	// Kind is the collection mode of this package.
	Kind PackageKind `json:"kind" validate:"required"`

	// State is the current lifecycle state.
	State PackageState `json:"state"`

	// PlanSummary describes the collection plan in prose.
	PlanSummary string `json:"plan_summary" validate:"required"`

	// Endpoints is the ordered list of collection endpoint URIs.
	Endpoints []string `json:"endpoints" validate:"required,min=1"`

	// ExpectedOutputs is the ordered list of artifacts the plan should yield.
	ExpectedOutputs []OutputDescriptor `json:"expected_outputs" validate:"required,min=1"`

	// ValidationLevel is the highest validation gate passed so far.
	ValidationLevel ValidationLevel `json:"validation_level"`

	// RetryCount counts transient-failure resubmissions of this version.
	RetryCount int `json:"retry_count"`

	// Metadata carries engine bookkeeping such as "failure_reason" and
	// "resolution", plus anything the operator attaches.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when this package version was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the package was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Package metadata keys written by the engine.
const (
	// MetaFailureReason holds the reason that moved the package to failed.
	MetaFailureReason = "failure_reason"

	// MetaResolution marks a failed package as resolved by recovery, either
	// "resubmitted" or "replanned:<replacement package id>".
	MetaResolution = "resolution"

	// MetaFailedPackages accumulates failed package ids on a target as a
	// JSON array for operator visibility.
	MetaFailedPackages = "failed_packages"
)

// PackageID builds the canonical package identifier for a target version.
// V0 rejects packages whose ID deviates from this convention.
func PackageID(targetID string, version int) string {
	return fmt.Sprintf("pkg-%s-v%d", targetID, version)
}

// ResolutionResubmitted is the resolution marker for transient recovery.
const ResolutionResubmitted = "resubmitted"

// Resolved reports whether recovery has already acted on a failed package.
func (p *Package) Resolved() bool {
	return p.Metadata[MetaResolution] != ""
}

// HandoffRecord tracks one submission attempt against the external
// executor. Resubmission creates a new record, never mutates an old one.
type HandoffRecord struct {
	// ID is the unique identifier for this handoff.
	ID string `json:"id"`

	// PackageID references the owning package.
	PackageID string `json:"package_id"`

	// TaskSpec is the opaque task specification sent to the executor.
	TaskSpec json.RawMessage `json:"task_spec"`

	// Status mirrors the executor's view of the task.
	Status HandoffStatus `json:"status"`

	// SubmittedAt is when the handoff was created.
	SubmittedAt time.Time `json:"submitted_at"`

	// CompletedAt is set when the handoff reaches a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Result is the free-form result payload from the executor. It is
	// inspected for critical-error markers during execution validation.
	Result json.RawMessage `json:"result,omitempty"`

	// CreatedAt is when the record was persisted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskSpec is the payload handed to the external executor.
type TaskSpec struct {
	// PackageID identifies the package the task collects for.
	PackageID string `json:"package_id"`

	// Kind is the package kind.
	Kind PackageKind `json:"kind"`

	// Endpoints are the collection endpoints to fetch.
	Endpoints []string `json:"endpoints"`

	// ExpectedOutputs are the artifacts the executor should produce.
	ExpectedOutputs []OutputDescriptor `json:"expected_outputs"`

	// PriorityClass is the deterministic execution priority.
	PriorityClass PriorityClass `json:"priority_class"`

	// EstimatedDuration is a scheduling hint, never a hard timeout.
	EstimatedDuration time.Duration `json:"estimated_duration"`

	// ResourceIntensive is advisory metadata for the thermally and
	// memory-limited executor; it is not enforced here.
	ResourceIntensive bool `json:"resource_intensive"`
}

// ManifestEntry reconciles one expected output against what was actually
// produced and ingested. Entries are never mutated after reconciliation
// completes; a re-attempt creates entries under a new package version.
type ManifestEntry struct {
	// ID is the unique identifier for this entry.
	ID string `json:"id"`

	// PackageID references the owning package.
	PackageID string `json:"package_id"`

	// ExpectedPath is the logical path the plan promised.
	ExpectedPath string `json:"expected_path"`

	// ExpectedKind is the artifact kind the plan promised.
	ExpectedKind ArtifactKind `json:"expected_kind"`

	// ObservedPath is the path actually found, absent if missing.
	ObservedPath *string `json:"observed_path,omitempty"`

	// ObservedKind is the detected kind of the observed artifact.
	ObservedKind *ArtifactKind `json:"observed_kind,omitempty"`

	// Status is the reconciliation outcome.
	Status ManifestStatus `json:"status"`

	// Error carries validator or ingestion error detail.
	Error *string `json:"error,omitempty"`

	// CreatedAt is when the entry was created during ingestion.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the entry was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryEntry is one append-only record of a package state transition.
// The full audit trail of a package is its entries in timestamp order.
type HistoryEntry struct {
	// ID is assigned by the store.
	ID int64 `json:"id"`

	// PackageID references the owning package.
	PackageID string `json:"package_id"`

	// FromState is the state before the transition. Empty for the creation
	// record of a fresh draft.
	FromState PackageState `json:"from_state,omitempty"`

	// ToState is the state after the transition.
	ToState PackageState `json:"to_state"`

	// Reason is the human-readable cause of the transition.
	Reason string `json:"reason"`

	// Actor is who or what drove the transition ("officer", "operator").
	Actor string `json:"actor"`

	// Metadata carries structured detail, e.g. validation errors.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Timestamp is when the transition happened.
	Timestamp time.Time `json:"timestamp"`
}

// ArtifactInfo describes an artifact found in the artifact store.
type ArtifactInfo struct {
	// Path is the logical path of the artifact.
	Path string `json:"path"`

	// Size is the artifact size in bytes.
	Size int64 `json:"size"`

	// ModTime is the artifact's modification time.
	ModTime time.Time `json:"mod_time"`
}

// AuditEntry records an operator or sweep action outside the per-package
// status history.
type AuditEntry struct {
	// ID is assigned by the store.
	ID int64 `json:"id"`

	// Action names what happened, e.g. "target.created", "sweep.completed".
	Action string `json:"action"`

	// Actor is who performed the action.
	Actor string `json:"actor"`

	// EntityID is the target/package/sweep the action refers to.
	EntityID *string `json:"entity_id,omitempty"`

	// Details is an optional JSON payload.
	Details *string `json:"details,omitempty"`

	// Timestamp is when the action happened.
	Timestamp time.Time `json:"timestamp"`
}

// CycleReport summarizes one Targeting Officer sweep.
type CycleReport struct {
	// SweepID identifies the sweep.
	SweepID string `json:"sweep_id"`

	// StartedAt and CompletedAt bound the sweep.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// TargetsScanned counts targets considered for package synthesis.
	TargetsScanned int `json:"targets_scanned"`

	// Transitions counts state transitions performed this cycle.
	Transitions int `json:"transitions"`

	// StateCounts holds the package population per state after the sweep.
	StateCounts map[PackageState]int `json:"state_counts"`

	// CreatedPackages lists package ids synthesized this cycle.
	CreatedPackages []string `json:"created_packages,omitempty"`

	// FailedPackages lists package ids that entered failed this cycle.
	FailedPackages []string `json:"failed_packages,omitempty"`

	// ClosedPackages lists package ids that closed this cycle.
	ClosedPackages []string `json:"closed_packages,omitempty"`

	// DeferredPackages lists packages held in ready by the submission gate.
	DeferredPackages []string `json:"deferred_packages,omitempty"`

	// StuckPackages lists packages waiting on the executor well beyond
	// their duration estimate; candidates for manual failure injection.
	StuckPackages []string `json:"stuck_packages,omitempty"`

	// Errors lists non-fatal per-package errors encountered during the
	// sweep. Storage failures abort the sweep instead.
	Errors []string `json:"errors,omitempty"`
}
