package engine

import "fmt"

// TargetStatus represents the lifecycle status of a research target.
type TargetStatus string

const (
	// TargetStatusNew indicates the target has been registered but no
	// collection has started.
	TargetStatusNew TargetStatus = "new"

	// TargetStatusUnderResearch indicates at least one package has been
	// generated for the target.
	TargetStatusUnderResearch TargetStatus = "under_research"

	// TargetStatusValidated indicates a package for the target has closed
	// successfully.
	TargetStatusValidated TargetStatus = "validated"

	// TargetStatusClosed indicates the target requires no further work.
	TargetStatusClosed TargetStatus = "closed"
)

// Validate checks if the target status is valid.
func (s TargetStatus) Validate() error {
	switch s {
	case TargetStatusNew, TargetStatusUnderResearch, TargetStatusValidated, TargetStatusClosed:
		return nil
	default:
		return fmt.Errorf("invalid target status: %s", s)
	}
}

// TargetCategory classifies what kind of subject a target is.
type TargetCategory string

const (
	TargetCategoryPerson    TargetCategory = "person"
	TargetCategoryOrg       TargetCategory = "org"
	TargetCategoryEvent     TargetCategory = "event"
	TargetCategoryLocation  TargetCategory = "location"
	TargetCategoryTech      TargetCategory = "tech"
	TargetCategoryOperation TargetCategory = "operation"
)

// Validate checks if the target category is valid.
func (c TargetCategory) Validate() error {
	switch c {
	case TargetCategoryPerson, TargetCategoryOrg, TargetCategoryEvent,
		TargetCategoryLocation, TargetCategoryTech, TargetCategoryOperation:
		return nil
	default:
		return fmt.Errorf("invalid target category: %s", c)
	}
}

// PackageKind describes the dominant collection mode of a package.
type PackageKind string

const (
	// PackageKindMedia collects audio/video material. Marked
	// resource-intensive for the executor.
	PackageKindMedia PackageKind = "media"

	// PackageKindDocument collects textual documents.
	PackageKindDocument PackageKind = "document"

	// PackageKindComposite mixes media and document endpoints.
	PackageKindComposite PackageKind = "composite"
)

// Validate checks if the package kind is valid.
func (k PackageKind) Validate() error {
	switch k {
	case PackageKindMedia, PackageKindDocument, PackageKindComposite:
		return nil
	default:
		return fmt.Errorf("invalid package kind: %s", k)
	}
}

// PackageState represents the lifecycle state of a collection package.
type PackageState string

const (
	PackageStateDraft           PackageState = "draft"
	PackageStateReady           PackageState = "ready"
	PackageStateSubmitted       PackageState = "submitted"
	PackageStateAccepted        PackageState = "accepted"
	PackageStateQueued          PackageState = "queued"
	PackageStateRunning         PackageState = "running"
	PackageStateCompleted       PackageState = "completed"
	PackageStateOutputsIngested PackageState = "outputs_ingested"
	PackageStateValidated       PackageState = "validated"
	PackageStateClosed          PackageState = "closed"
	PackageStateFailed          PackageState = "failed"
)

// successPath is the linear ordering of the success states, used when
// walking a package forward one transition at a time as executor signals
// arrive. failed sits outside the path and is reachable from all of them.
var successPath = []PackageState{
	PackageStateDraft,
	PackageStateReady,
	PackageStateSubmitted,
	PackageStateAccepted,
	PackageStateQueued,
	PackageStateRunning,
	PackageStateCompleted,
	PackageStateOutputsIngested,
	PackageStateValidated,
	PackageStateClosed,
}

var successRank = func() map[PackageState]int {
	m := make(map[PackageState]int, len(successPath))
	for i, s := range successPath {
		m[s] = i
	}
	return m
}()

// allowedTransitions is the authoritative transition graph. Every mutation
// of a package's state goes through this table; there is no other path.
var allowedTransitions = map[PackageState]map[PackageState]struct{}{
	PackageStateDraft:           {PackageStateReady: {}, PackageStateFailed: {}},
	PackageStateReady:           {PackageStateSubmitted: {}, PackageStateFailed: {}},
	PackageStateSubmitted:       {PackageStateAccepted: {}, PackageStateFailed: {}},
	PackageStateAccepted:        {PackageStateQueued: {}, PackageStateFailed: {}},
	PackageStateQueued:          {PackageStateRunning: {}, PackageStateFailed: {}},
	PackageStateRunning:         {PackageStateCompleted: {}, PackageStateFailed: {}},
	PackageStateCompleted:       {PackageStateOutputsIngested: {}, PackageStateFailed: {}},
	PackageStateOutputsIngested: {PackageStateValidated: {}, PackageStateFailed: {}},
	PackageStateValidated:       {PackageStateClosed: {}, PackageStateFailed: {}},
	PackageStateFailed:          {PackageStateReady: {}},
	PackageStateClosed:          {},
}

// AllPackageStates returns every lifecycle state in success-path order,
// failed last.
func AllPackageStates() []PackageState {
	states := make([]PackageState, 0, len(successPath)+1)
	states = append(states, successPath...)
	return append(states, PackageStateFailed)
}

// Validate checks if the package state is valid.
func (s PackageState) Validate() error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid package state: %s", s)
	}
	return nil
}

// IsTerminal reports whether a package in this state counts against the
// one-live-package-per-target invariant. A failed package stays failed
// forever once recovery resolves it, so it does not hold the slot.
func (s PackageState) IsTerminal() bool {
	return s == PackageStateClosed || s == PackageStateFailed
}

// AwaitingExecutor reports whether the state advances only on an external
// executor signal.
func (s PackageState) AwaitingExecutor() bool {
	switch s {
	case PackageStateSubmitted, PackageStateAccepted, PackageStateQueued, PackageStateRunning:
		return true
	default:
		return false
	}
}

// Next returns the successor state on the success path.
func (s PackageState) Next() (PackageState, error) {
	rank, ok := successRank[s]
	if !ok || rank == len(successPath)-1 {
		return "", fmt.Errorf("state %s has no successor", s)
	}
	return successPath[rank+1], nil
}

// Rank returns the position of a state on the success path, or -1 for
// failed.
func (s PackageState) Rank() int {
	if rank, ok := successRank[s]; ok {
		return rank
	}
	return -1
}

// ValidateTransition checks a single edge against the transition graph.
func ValidateTransition(from, to PackageState) error {
	if err := from.Validate(); err != nil {
		return err
	}
	if err := to.Validate(); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid package transition: %s -> %s", from, to)
	}
	return nil
}

// ValidationLevel records the highest validation gate a package has passed.
type ValidationLevel string

const (
	ValidationLevelNone ValidationLevel = "none"
	ValidationLevelV0   ValidationLevel = "v0"
	ValidationLevelV1   ValidationLevel = "v1"
	ValidationLevelV2   ValidationLevel = "v2"
)

// Validate checks if the validation level is valid.
func (v ValidationLevel) Validate() error {
	switch v {
	case ValidationLevelNone, ValidationLevelV0, ValidationLevelV1, ValidationLevelV2:
		return nil
	default:
		return fmt.Errorf("invalid validation level: %s", v)
	}
}

// HandoffStatus represents the executor-side status of a handoff record.
type HandoffStatus string

const (
	HandoffStatusPending   HandoffStatus = "pending"
	HandoffStatusSubmitted HandoffStatus = "submitted"
	HandoffStatusAccepted  HandoffStatus = "accepted"
	HandoffStatusQueued    HandoffStatus = "queued"
	HandoffStatusRunning   HandoffStatus = "running"
	HandoffStatusCompleted HandoffStatus = "completed"
	HandoffStatusFailed    HandoffStatus = "failed"
)

// Validate checks if the handoff status is valid.
func (s HandoffStatus) Validate() error {
	switch s {
	case HandoffStatusPending, HandoffStatusSubmitted, HandoffStatusAccepted,
		HandoffStatusQueued, HandoffStatusRunning, HandoffStatusCompleted, HandoffStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid handoff status: %s", s)
	}
}

// IsTerminal reports whether the handoff has reached a final status.
// Terminal handoffs are immutable except for administrative correction.
func (s HandoffStatus) IsTerminal() bool {
	return s == HandoffStatusCompleted || s == HandoffStatusFailed
}

// PackageStateFor maps an executor-side handoff status to the furthest
// package state that status justifies on the success path. The state
// machine still walks one transition at a time to get there.
func (s HandoffStatus) PackageStateFor() PackageState {
	switch s {
	case HandoffStatusPending, HandoffStatusSubmitted:
		return PackageStateSubmitted
	case HandoffStatusAccepted:
		return PackageStateAccepted
	case HandoffStatusQueued:
		return PackageStateQueued
	case HandoffStatusRunning, HandoffStatusCompleted:
		return PackageStateRunning
	default:
		return PackageStateSubmitted
	}
}

// ManifestStatus represents the validation status of a manifest entry.
type ManifestStatus string

const (
	ManifestStatusPending ManifestStatus = "pending"
	ManifestStatusValid   ManifestStatus = "valid"
	ManifestStatusInvalid ManifestStatus = "invalid"
	ManifestStatusMissing ManifestStatus = "missing"
)

// Validate checks if the manifest status is valid.
func (s ManifestStatus) Validate() error {
	switch s {
	case ManifestStatusPending, ManifestStatusValid, ManifestStatusInvalid, ManifestStatusMissing:
		return nil
	default:
		return fmt.Errorf("invalid manifest status: %s", s)
	}
}

// IsTerminal reports whether the entry has finished reconciliation.
func (s ManifestStatus) IsTerminal() bool {
	return s == ManifestStatusValid || s == ManifestStatusInvalid || s == ManifestStatusMissing
}

// PriorityClass is the executor-facing execution priority of a handoff.
type PriorityClass string

const (
	PriorityClassHighest PriorityClass = "highest"
	PriorityClassNormal  PriorityClass = "normal"
	PriorityClassLow     PriorityClass = "low"
)

// ArtifactKind classifies a collected artifact.
type ArtifactKind string

const (
	ArtifactKindAudio      ArtifactKind = "audio"
	ArtifactKindVideo      ArtifactKind = "video"
	ArtifactKindDocument   ArtifactKind = "document"
	ArtifactKindTranscript ArtifactKind = "transcript"
	ArtifactKindData       ArtifactKind = "data"
)

// Validate checks if the artifact kind is valid.
func (k ArtifactKind) Validate() error {
	switch k {
	case ArtifactKindAudio, ArtifactKindVideo, ArtifactKindDocument, ArtifactKindTranscript, ArtifactKindData:
		return nil
	default:
		return fmt.Errorf("invalid artifact kind: %s", k)
	}
}

// IsMedia reports whether the artifact kind is audio or video.
func (k ArtifactKind) IsMedia() bool {
	return k == ArtifactKindAudio || k == ArtifactKindVideo
}
