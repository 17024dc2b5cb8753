package engine

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Store is the persistence boundary for all lifecycle entities. Every
// entity survives process restarts; no in-memory state is load-bearing.
type Store interface {
	// Target operations.
	CreateTarget(ctx context.Context, target *Target) error
	GetTarget(ctx context.Context, id string) (*Target, error)
	ListTargets(ctx context.Context, statuses []TargetStatus, limit, offset int) ([]*Target, error)
	UpdateTargetStatus(ctx context.Context, id string, status TargetStatus) error
	UpdateTargetMetadata(ctx context.Context, id string, metadata map[string]string) error

	// Package operations. CreatePackage returns ErrLivePackageExists when
	// the target already holds a non-terminal package, and appends the
	// creation history entry in the same transaction.
	CreatePackage(ctx context.Context, pkg *Package, entry *HistoryEntry) error
	GetPackage(ctx context.Context, id string) (*Package, error)
	GetLivePackage(ctx context.Context, targetID string) (*Package, error)
	LatestPackage(ctx context.Context, targetID string) (*Package, error)
	ListPackagesByState(ctx context.Context, state PackageState) ([]*Package, error)
	ListPackagesByTarget(ctx context.Context, targetID string) ([]*Package, error)
	CountPackagesByState(ctx context.Context) (map[PackageState]int, error)
	UpdatePackageMetadata(ctx context.Context, id string, metadata map[string]string) error

	// TransitionPackage atomically moves a package from one state to
	// another and appends exactly one history entry. It returns
	// ErrStaleState when the package is no longer in the expected state.
	TransitionPackage(ctx context.Context, id string, from, to PackageState, upd *PackageUpdate, entry *HistoryEntry) error

	// Handoff operations. Terminal records are never rewritten except via
	// UpdateHandoffStatus during administrative correction.
	CreateHandoff(ctx context.Context, rec *HandoffRecord) error
	GetHandoff(ctx context.Context, id string) (*HandoffRecord, error)
	LatestHandoff(ctx context.Context, packageID string) (*HandoffRecord, error)
	ListHandoffsByPackage(ctx context.Context, packageID string) ([]*HandoffRecord, error)
	UpdateHandoffStatus(ctx context.Context, id string, status HandoffStatus, result json.RawMessage, completedAt *time.Time) error

	// Manifest operations. Entries are unique per (package, expected path).
	CreateManifestEntry(ctx context.Context, entry *ManifestEntry) error
	ListManifestByPackage(ctx context.Context, packageID string) ([]*ManifestEntry, error)

	// History operations.
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	ListHistoryByPackage(ctx context.Context, packageID string) ([]*HistoryEntry, error)

	// Audit operations.
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)
}

// PackageUpdate carries optional field updates applied together with a
// state transition.
type PackageUpdate struct {
	// ValidationLevel, when set, records a newly passed validation gate.
	ValidationLevel *ValidationLevel

	// RetryCount, when set, replaces the retry counter.
	RetryCount *int

	// Metadata, when non-nil, replaces the package metadata.
	Metadata map[string]string
}

// ExecutorClient reaches the external, resource-constrained executor. The
// engine never executes anything itself and never assumes synchronous
// completion; the executor may take hours.
type ExecutorClient interface {
	// Submit dispatches a task specification under a handoff id.
	Submit(ctx context.Context, handoffID string, spec *TaskSpec) error

	// Status returns the executor's current view of a handoff together
	// with its free-form result payload. ErrNotFound means the executor
	// has not reported yet.
	Status(ctx context.Context, handoffID string) (HandoffStatus, json.RawMessage, error)
}

// ArtifactStore exposes the store the executor writes collected artifacts
// into, keyed by logical path.
type ArtifactStore interface {
	// Stat returns artifact metadata, or ErrNotFound if absent.
	Stat(ctx context.Context, path string) (*ArtifactInfo, error)

	// DetectKind inspects the artifact and classifies it.
	DetectKind(ctx context.Context, path string) (ArtifactKind, error)

	// Validate performs a kind-appropriate structural check, e.g. a
	// parseable/playable test.
	Validate(ctx context.Context, path string, kind ArtifactKind) error

	// Open returns the artifact contents for ingestion.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// EvidenceSink is the downstream evidence store artifacts are ingested
// into after structural validation.
type EvidenceSink interface {
	Ingest(ctx context.Context, desc OutputDescriptor, info *ArtifactInfo, r io.Reader) error
}

// SubmissionInput is the input document for the submission policy gate.
type SubmissionInput struct {
	PackageID           string        `json:"package_id"`
	TargetID            string        `json:"target_id"`
	Kind                PackageKind   `json:"kind"`
	PriorityClass       PriorityClass `json:"priority_class"`
	EndpointCount       int           `json:"endpoint_count"`
	ResourceIntensive   bool          `json:"resource_intensive"`
	RunningIntensive    int           `json:"running_intensive"`
	MaxRunningIntensive int           `json:"max_running_intensive"`
}

// SubmissionDecision is the gate's verdict.
type SubmissionDecision struct {
	Allow   bool     `json:"allow"`
	Reasons []string `json:"reasons,omitempty"`
}

// SubmissionGate authorizes ready packages for submission. A nil gate
// allows everything.
type SubmissionGate interface {
	Authorize(ctx context.Context, input *SubmissionInput) (*SubmissionDecision, error)
}
