package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opencurator/opencurator/pkg/telemetry"
)

// RetryCeiling is the fixed number of transient-failure resubmissions a
// package version gets before its next failure is treated as permanent.
const RetryCeiling = 3

// permanentPatterns match failure reasons caused by the input or the
// content itself: retrying the same plan cannot succeed.
var permanentPatterns = []string{
	"404",
	"not found",
	"gone",
	"invalid uri",
	"bad uri",
	"malformed",
	"unsupported format",
	"unsupported codec",
	"authentication",
	"unauthorized",
	"forbidden",
	"login required",
	"paywall",
	"permanently",
	"removed",
	"schema validation failed",
}

// transientPatterns match failure reasons caused by the environment or by
// contention on the shared executor: the same plan may succeed later.
var transientPatterns = []string{
	"timeout",
	"timed out",
	"resource conflict",
	"resource exhaust",
	"out of memory",
	"memory pressure",
	"thermal",
	"overheat",
	"temporarily unavailable",
	"service unavailable",
	"connection reset",
	"connection refused",
	"busy",
	"throttle",
	"rate limit",
	"higher-priority",
	"preempted",
}

// ClassifyFailure maps a failure reason to an error class by deterministic
// rule lookup. Permanent rules win over transient ones; reasons matching
// neither table classify as transient so the retry ceiling bounds them.
func ClassifyFailure(reason string) ErrorClass {
	lower := strings.ToLower(reason)
	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassPermanent
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassTransient
		}
	}
	return ErrorClassTransient
}

// RecoveryOutcome describes what recovery did with a failed package.
type RecoveryOutcome struct {
	// Class is the effective classification, after ceiling escalation.
	Class ErrorClass `json:"class"`

	// Resubmitted is true when the package went back to ready.
	Resubmitted bool `json:"resubmitted"`

	// RetryCount is the retry counter after a resubmission.
	RetryCount int `json:"retry_count,omitempty"`

	// ReplacementID is the new draft package created by replanning.
	ReplacementID string `json:"replacement_id,omitempty"`
}

// Recovery resolves failed packages: transient failures under the retry
// ceiling go back to ready, everything else is replanned as a new package
// version. The failed package itself stays failed forever.
type Recovery struct {
	store   Store
	machine *Machine
	log     *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewRecovery creates a recovery policy over the given store and machine.
func NewRecovery(store Store, machine *Machine, log *telemetry.Logger, metrics *telemetry.Metrics) *Recovery {
	return &Recovery{
		store:   store,
		machine: machine,
		log:     log.NewComponentLogger("recovery"),
		metrics: metrics,
	}
}

// Recover resolves one failed package. The caller holds the package's
// transition lock. Recover is a no-op on packages already resolved.
func (r *Recovery) Recover(ctx context.Context, pkg *Package, actor string) (*RecoveryOutcome, error) {
	if pkg.State != PackageStateFailed {
		return nil, NewPermanentError("package is not failed", nil).
			WithPackage(pkg.ID).
			WithCode(ErrCodeInvariant)
	}
	if pkg.Resolved() {
		return nil, nil
	}

	reason := pkg.Metadata[MetaFailureReason]
	if reason == "" {
		reason = "failure reason not recorded"
	}

	class := ClassifyFailure(reason)
	if class == ErrorClassTransient && pkg.RetryCount >= RetryCeiling {
		class = ErrorClassPermanent
	}
	r.metrics.ObserveFailureClass(string(class))

	if class == ErrorClassTransient {
		return r.resubmit(ctx, pkg, reason, actor)
	}
	return r.replan(ctx, pkg, reason, actor)
}

func (r *Recovery) resubmit(ctx context.Context, pkg *Package, reason, actor string) (*RecoveryOutcome, error) {
	retries := pkg.RetryCount + 1
	md := cloneMetadata(pkg.Metadata)
	delete(md, MetaResolution)
	delete(md, MetaFailureReason)

	_, err := r.machine.TransitionLocked(ctx, pkg.ID, PackageStateReady,
		fmt.Sprintf("transient failure, resubmitting (retry %d/%d): %s", retries, RetryCeiling, reason),
		actor,
		map[string]string{"failure_class": string(ErrorClassTransient)},
		&PackageUpdate{RetryCount: &retries, Metadata: md})
	if err != nil {
		return nil, err
	}

	r.log.WithPackageID(pkg.ID).
		WithField("retry_count", retries).
		Info("failed package resubmitted")

	return &RecoveryOutcome{
		Class:       ErrorClassTransient,
		Resubmitted: true,
		RetryCount:  retries,
	}, nil
}

func (r *Recovery) replan(ctx context.Context, pkg *Package, reason, actor string) (*RecoveryOutcome, error) {
	now := time.Now().UTC()
	replacement := &Package{
		ID:       PackageID(pkg.TargetID, pkg.Version+1),
		TargetID: pkg.TargetID,
		Version:  pkg.Version + 1,
		Kind:     pkg.Kind,
		State:    PackageStateDraft,
		PlanSummary: fmt.Sprintf("%s [replanned after failure of %s: %s]",
			pkg.PlanSummary, pkg.ID, reason),
		Endpoints:       append([]string(nil), pkg.Endpoints...),
		ExpectedOutputs: append([]OutputDescriptor(nil), pkg.ExpectedOutputs...),
		ValidationLevel: ValidationLevelNone,
		Metadata: map[string]string{
			"replanned_from": pkg.ID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	entry := &HistoryEntry{
		PackageID: replacement.ID,
		ToState:   PackageStateDraft,
		Reason:    fmt.Sprintf("replanned from %s after permanent failure: %s", pkg.ID, reason),
		Actor:     actor,
		Timestamp: now,
	}

	if err := r.store.CreatePackage(ctx, replacement, entry); err != nil {
		// A crash between a previous replan's create and the resolution
		// marker leaves the replacement in place while the failed package
		// still looks unresolved. Adopt the existing replacement and
		// finish the resolution instead of erroring on every sweep.
		existing, getErr := r.store.GetPackage(ctx, replacement.ID)
		if getErr != nil || existing.Metadata["replanned_from"] != pkg.ID {
			return nil, err
		}
		replacement = existing
		r.log.WithPackageID(pkg.ID).
			WithField("replacement_id", existing.ID).
			Info("adopting replacement left by an interrupted replan")
	}

	// The failed package stays failed; the resolution marker keeps later
	// sweeps from replanning it again.
	md := cloneMetadata(pkg.Metadata)
	md[MetaResolution] = "replanned:" + replacement.ID
	if err := r.store.UpdatePackageMetadata(ctx, pkg.ID, md); err != nil {
		return nil, err
	}

	if err := r.recordFailedPackage(ctx, pkg); err != nil {
		return nil, err
	}

	r.log.WithPackageID(pkg.ID).
		WithField("replacement_id", replacement.ID).
		Info("failed package replanned")

	return &RecoveryOutcome{
		Class:         ErrorClassPermanent,
		ReplacementID: replacement.ID,
	}, nil
}

// recordFailedPackage appends the package id to the target's
// failed_packages metadata list for operator visibility.
func (r *Recovery) recordFailedPackage(ctx context.Context, pkg *Package) error {
	target, err := r.store.GetTarget(ctx, pkg.TargetID)
	if err != nil {
		return err
	}

	var failed []string
	if raw := target.Metadata[MetaFailedPackages]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &failed); err != nil {
			failed = nil
		}
	}
	for _, id := range failed {
		if id == pkg.ID {
			return nil
		}
	}
	failed = append(failed, pkg.ID)

	encoded, err := json.Marshal(failed)
	if err != nil {
		return err
	}

	md := cloneMetadata(target.Metadata)
	md[MetaFailedPackages] = string(encoded)
	return r.store.UpdateTargetMetadata(ctx, target.ID, md)
}

func cloneMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
