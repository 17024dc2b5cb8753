package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencurator/opencurator/pkg/telemetry"
)

// Per-endpoint duration weights. Media endpoints dominate because the
// executor transcodes and transcribes what it pulls from them.
const (
	mediaEndpointCost    = 30 * time.Minute
	documentEndpointCost = 10 * time.Minute
)

// Gateway is the single seam between the lifecycle engine and the
// external executor. All submissions and status polls pass through it;
// nothing else in the engine talks to the executor.
type Gateway struct {
	store    Store
	executor ExecutorClient
	gate     SubmissionGate
	log      *telemetry.Logger
	metrics  *telemetry.Metrics

	// maxRunningIntensive caps concurrent resource-intensive handoffs;
	// the policy gate enforces it.
	maxRunningIntensive int
}

// NewGateway creates a gateway. gate may be nil, in which case every
// submission is authorized.
func NewGateway(store Store, executor ExecutorClient, gate SubmissionGate, maxRunningIntensive int, log *telemetry.Logger, metrics *telemetry.Metrics) *Gateway {
	return &Gateway{
		store:               store,
		executor:            executor,
		gate:                gate,
		log:                 log.NewComponentLogger("gateway"),
		metrics:             metrics,
		maxRunningIntensive: maxRunningIntensive,
	}
}

// PriorityClassFor maps a target priority to a deterministic execution
// class: 1 is highest, 2 is normal, everything else is low.
func PriorityClassFor(priority int) PriorityClass {
	switch priority {
	case 1:
		return PriorityClassHighest
	case 2:
		return PriorityClassNormal
	default:
		return PriorityClassLow
	}
}

// mediaEndpoint reports whether an endpoint URI points at a media
// channel rather than a document one.
func mediaEndpoint(uri string) bool {
	lower := strings.ToLower(uri)
	for _, marker := range []string{"feed", "rss", "stream", "media", "audio", "video", "podcast"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// EstimateDuration derives the scheduling hint for a package from its
// endpoint mix. The estimate is advisory; the executor may run for
// hours regardless.
func EstimateDuration(pkg *Package) time.Duration {
	var total time.Duration
	for _, ep := range pkg.Endpoints {
		if mediaEndpoint(ep) {
			total += mediaEndpointCost
		} else {
			total += documentEndpointCost
		}
	}
	return total
}

// ResourceIntensive reports whether a package's task should carry the
// resource-intensive marker: all media packages, and composites that
// touch at least one media endpoint.
func ResourceIntensive(pkg *Package) bool {
	switch pkg.Kind {
	case PackageKindMedia:
		return true
	case PackageKindComposite:
		for _, ep := range pkg.Endpoints {
			if mediaEndpoint(ep) {
				return true
			}
		}
	}
	return false
}

// BuildTaskSpec derives the executor task specification from a ready
// package and its target's priority.
func BuildTaskSpec(pkg *Package, priority int) *TaskSpec {
	return &TaskSpec{
		PackageID:         pkg.ID,
		Kind:              pkg.Kind,
		Endpoints:         append([]string(nil), pkg.Endpoints...),
		ExpectedOutputs:   append([]OutputDescriptor(nil), pkg.ExpectedOutputs...),
		PriorityClass:     PriorityClassFor(priority),
		EstimatedDuration: EstimateDuration(pkg),
		ResourceIntensive: ResourceIntensive(pkg),
	}
}

// Submit authorizes and dispatches a ready package to the executor,
// creating a pending handoff record first so a crash between persist and
// dispatch is recoverable. When the package already has a non-terminal
// handoff, Submit returns it unchanged, making resubmission idempotent.
// A denied authorization returns ErrSubmissionDenied wrapped with the
// gate's reasons.
func (g *Gateway) Submit(ctx context.Context, pkg *Package, priority, runningIntensive int) (*HandoffRecord, error) {
	existing, err := g.store.LatestHandoff(ctx, pkg.ID)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	if existing != nil && !existing.Status.IsTerminal() {
		return existing, nil
	}

	spec := BuildTaskSpec(pkg, priority)

	if g.gate != nil {
		input := &SubmissionInput{
			PackageID:           pkg.ID,
			TargetID:            pkg.TargetID,
			Kind:                pkg.Kind,
			PriorityClass:       spec.PriorityClass,
			EndpointCount:       len(pkg.Endpoints),
			ResourceIntensive:   spec.ResourceIntensive,
			RunningIntensive:    runningIntensive,
			MaxRunningIntensive: g.maxRunningIntensive,
		}
		decision, err := g.gate.Authorize(ctx, input)
		if err != nil {
			return nil, NewTransientError("submission policy evaluation failed", err).
				WithPackage(pkg.ID).
				WithOperation("gateway.submit")
		}
		if !decision.Allow {
			g.metrics.ObserveSubmission("denied")
			return nil, NewTransientError(
				"submission denied: "+strings.Join(decision.Reasons, "; "),
				ErrSubmissionDenied,
			).WithPackage(pkg.ID).WithOperation("gateway.submit")
		}
	}

	encoded, err := json.Marshal(spec)
	if err != nil {
		return nil, NewPermanentError("encoding task spec", err).WithPackage(pkg.ID)
	}

	now := time.Now().UTC()
	rec := &HandoffRecord{
		ID:          "handoff-" + uuid.NewString(),
		PackageID:   pkg.ID,
		TaskSpec:    encoded,
		Status:      HandoffStatusPending,
		SubmittedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.store.CreateHandoff(ctx, rec); err != nil {
		return nil, err
	}

	if err := g.executor.Submit(ctx, rec.ID, spec); err != nil {
		g.metrics.ObserveSubmission("error")
		return nil, NewTransientError("executor submission failed", err).
			WithPackage(pkg.ID).
			WithCode(ErrCodeHandoffFailed).
			WithOperation("gateway.submit")
	}

	rec.Status = HandoffStatusSubmitted
	if err := g.store.UpdateHandoffStatus(ctx, rec.ID, HandoffStatusSubmitted, nil, nil); err != nil {
		return nil, err
	}

	g.metrics.ObserveSubmission("submitted")
	g.log.WithPackageID(pkg.ID).
		WithHandoffID(rec.ID).
		WithField("priority_class", string(spec.PriorityClass)).
		WithField("resource_intensive", spec.ResourceIntensive).
		Info("package handed off to executor")

	return rec, nil
}

// Poll refreshes the package's latest handoff from the executor. When
// the executor has not reported yet, or the handoff is already terminal,
// the stored record is returned unchanged.
func (g *Gateway) Poll(ctx context.Context, pkg *Package) (*HandoffRecord, error) {
	rec, err := g.store.LatestHandoff(ctx, pkg.ID)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return rec, nil
	}

	status, result, err := g.executor.Status(ctx, rec.ID)
	if err != nil {
		if IsNotFound(err) {
			return rec, nil
		}
		return nil, NewTransientError("executor status poll failed", err).
			WithPackage(pkg.ID).
			WithCode(ErrCodeHandoffFailed).
			WithOperation("gateway.poll")
	}

	if status == rec.Status && result == nil {
		return rec, nil
	}

	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	if err := g.store.UpdateHandoffStatus(ctx, rec.ID, status, result, completedAt); err != nil {
		return nil, err
	}

	g.log.WithPackageID(pkg.ID).
		WithHandoffID(rec.ID).
		WithField("from", string(rec.Status)).
		WithField("to", string(status)).
		Debug("handoff status updated")

	rec.Status = status
	rec.Result = result
	rec.CompletedAt = completedAt
	return rec, nil
}
