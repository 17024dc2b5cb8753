package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opencurator/opencurator/pkg/telemetry"
)

// OfficerOptions tune the sweep loop.
type OfficerOptions struct {
	// MaxParallel bounds concurrent per-package advancement. Zero means 4.
	MaxParallel int

	// StuckFactor flags a package as stuck once it has waited on the
	// executor longer than StuckFactor times its duration estimate.
	// Zero means 6.
	StuckFactor int

	// Actor is recorded on every transition the officer drives.
	// Empty means "officer".
	Actor string
}

func (o OfficerOptions) withDefaults() OfficerOptions {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.StuckFactor <= 0 {
		o.StuckFactor = 6
	}
	if o.Actor == "" {
		o.Actor = "officer"
	}
	return o
}

// Officer drives the lifecycle: each sweep synthesizes packages for
// targets that need one, advances every live package by what its guards
// allow, resolves failed packages, and emits a cycle report. Sweeps are
// re-entrant; running one against an unchanged store is a no-op.
type Officer struct {
	store      Store
	machine    *Machine
	validator  *Validator
	gateway    *Gateway
	reconciler *Reconciler
	recovery   *Recovery
	log        *telemetry.Logger
	metrics    *telemetry.Metrics
	opts       OfficerOptions
}

// NewOfficer wires an officer over already-constructed engine parts.
func NewOfficer(store Store, machine *Machine, validator *Validator, gateway *Gateway, reconciler *Reconciler, recovery *Recovery, log *telemetry.Logger, metrics *telemetry.Metrics, opts OfficerOptions) *Officer {
	return &Officer{
		store:      store,
		machine:    machine,
		validator:  validator,
		gateway:    gateway,
		reconciler: reconciler,
		recovery:   recovery,
		log:        log.NewComponentLogger("officer"),
		metrics:    metrics,
		opts:       opts.withDefaults(),
	}
}

// reportBuilder accumulates cycle report fields from concurrent
// per-package goroutines.
type reportBuilder struct {
	mu     sync.Mutex
	report *CycleReport
}

func (b *reportBuilder) add(fn func(r *CycleReport)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.report)
}

// Sweep runs one full cycle and returns its report. Per-package errors
// are collected into the report; only storage-level failures abort the
// sweep.
func (o *Officer) Sweep(ctx context.Context) (*CycleReport, error) {
	started := time.Now().UTC()
	sweepID := "sweep-" + uuid.NewString()
	log := o.log.WithSweepID(sweepID)

	b := &reportBuilder{report: &CycleReport{
		SweepID:   sweepID,
		StartedAt: started,
	}}

	if err := o.synthesize(ctx, b); err != nil {
		return nil, err
	}

	if err := o.advance(ctx, b); err != nil {
		return nil, err
	}

	counts, err := o.store.CountPackagesByState(ctx)
	if err != nil {
		return nil, err
	}

	report := b.report
	report.StateCounts = counts
	report.CompletedAt = time.Now().UTC()

	for state, n := range counts {
		o.metrics.SetPackagesInState(string(state), n)
	}
	o.metrics.ObserveSweep(report.CompletedAt.Sub(started))

	if err := o.persistReport(ctx, report); err != nil {
		return nil, err
	}

	log.WithField("targets_scanned", report.TargetsScanned).
		WithField("transitions", report.Transitions).
		WithField("created", len(report.CreatedPackages)).
		WithField("failed", len(report.FailedPackages)).
		WithField("closed", len(report.ClosedPackages)).
		WithField("errors", len(report.Errors)).
		Info("sweep completed")

	return report, nil
}

// synthesize creates a draft package for every open target that has no
// live package. Targets whose latest package failed and is still
// unresolved are left for recovery to act on first.
func (o *Officer) synthesize(ctx context.Context, b *reportBuilder) error {
	targets, err := o.store.ListTargets(ctx, []TargetStatus{TargetStatusNew, TargetStatusUnderResearch}, 0, 0)
	if err != nil {
		return err
	}
	b.add(func(r *CycleReport) { r.TargetsScanned = len(targets) })

	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		created, err := o.synthesizeTarget(ctx, target)
		if err != nil {
			b.add(func(r *CycleReport) {
				r.Errors = append(r.Errors, fmt.Sprintf("synthesize %s: %v", target.ID, err))
			})
			continue
		}
		if created != "" {
			b.add(func(r *CycleReport) {
				r.CreatedPackages = append(r.CreatedPackages, created)
			})
		}
	}
	return nil
}

func (o *Officer) synthesizeTarget(ctx context.Context, target *Target) (string, error) {
	if _, err := o.store.GetLivePackage(ctx, target.ID); err == nil {
		return "", nil
	} else if !IsNotFound(err) {
		return "", err
	}

	version := 1
	latest, err := o.store.LatestPackage(ctx, target.ID)
	switch {
	case err == nil:
		if latest.State == PackageStateFailed && !latest.Resolved() {
			// Recovery decides whether this becomes a resubmission or a
			// replan; synthesizing here would race it.
			return "", nil
		}
		if latest.State == PackageStateClosed {
			return "", nil
		}
		version = latest.Version + 1
	case IsNotFound(err):
	default:
		return "", err
	}

	plan := GeneratePlan(target)
	now := time.Now().UTC()
	pkg := &Package{
		ID:              PackageID(target.ID, version),
		TargetID:        target.ID,
		Version:         version,
		Kind:            plan.Kind,
		State:           PackageStateDraft,
		PlanSummary:     plan.PlanSummary,
		Endpoints:       plan.Endpoints,
		ExpectedOutputs: plan.ExpectedOutputs,
		ValidationLevel: ValidationLevelNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	entry := &HistoryEntry{
		PackageID: pkg.ID,
		ToState:   PackageStateDraft,
		Reason:    "package synthesized from target profile",
		Actor:     o.opts.Actor,
		Timestamp: now,
	}

	if err := o.store.CreatePackage(ctx, pkg, entry); err != nil {
		if errors.Is(err, ErrLivePackageExists) {
			return "", nil
		}
		return "", err
	}

	if target.Status == TargetStatusNew {
		if err := o.store.UpdateTargetStatus(ctx, target.ID, TargetStatusUnderResearch); err != nil {
			return "", err
		}
	}

	o.log.WithTargetID(target.ID).
		WithPackageID(pkg.ID).
		WithField("kind", string(pkg.Kind)).
		Info("package synthesized")

	return pkg.ID, nil
}

// advance moves every non-closed package as far as its guards allow,
// bounded to MaxParallel packages at a time. Packages of the same target
// never advance concurrently because a target holds at most one live
// package.
func (o *Officer) advance(ctx context.Context, b *reportBuilder) error {
	var work []*Package
	for _, state := range []PackageState{
		PackageStateDraft,
		PackageStateReady,
		PackageStateSubmitted,
		PackageStateAccepted,
		PackageStateQueued,
		PackageStateRunning,
		PackageStateCompleted,
		PackageStateOutputsIngested,
		PackageStateValidated,
		PackageStateFailed,
	} {
		pkgs, err := o.store.ListPackagesByState(ctx, state)
		if err != nil {
			return err
		}
		work = append(work, pkgs...)
	}

	runningIntensive, err := o.countRunningIntensive(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxParallel)
	for _, pkg := range work {
		pkg := pkg
		g.Go(func() error {
			return o.machine.WithLock(pkg.ID, func() error {
				if err := o.advancePackage(gctx, pkg.ID, runningIntensive, b); err != nil {
					if isStoreFatal(err) {
						return err
					}
					b.add(func(r *CycleReport) {
						r.Errors = append(r.Errors, fmt.Sprintf("advance %s: %v", pkg.ID, err))
					})
				}
				return nil
			})
		})
	}
	return g.Wait()
}

// countRunningIntensive counts resource-intensive packages currently
// occupying the executor, for the submission gate's concurrency cap.
func (o *Officer) countRunningIntensive(ctx context.Context) (int, error) {
	count := 0
	for _, state := range []PackageState{
		PackageStateSubmitted,
		PackageStateAccepted,
		PackageStateQueued,
		PackageStateRunning,
	} {
		pkgs, err := o.store.ListPackagesByState(ctx, state)
		if err != nil {
			return 0, err
		}
		for _, pkg := range pkgs {
			if ResourceIntensive(pkg) {
				count++
			}
		}
	}
	return count, nil
}

// advancePackage advances one package under its transition lock. The
// package is re-read first; another actor may have moved it since the
// sweep listed it.
func (o *Officer) advancePackage(ctx context.Context, packageID string, runningIntensive int, b *reportBuilder) error {
	pkg, err := o.store.GetPackage(ctx, packageID)
	if err != nil {
		return err
	}

	switch pkg.State {
	case PackageStateDraft:
		return o.advanceDraft(ctx, pkg, b)
	case PackageStateReady:
		return o.advanceReady(ctx, pkg, runningIntensive, b)
	case PackageStateSubmitted, PackageStateAccepted, PackageStateQueued, PackageStateRunning:
		return o.advanceAwaiting(ctx, pkg, b)
	case PackageStateCompleted:
		return o.advanceCompleted(ctx, pkg, b)
	case PackageStateOutputsIngested:
		return o.advanceIngested(ctx, pkg, b)
	case PackageStateValidated:
		return o.advanceValidated(ctx, pkg, b)
	case PackageStateFailed:
		return o.advanceFailed(ctx, pkg, b)
	default:
		return nil
	}
}

func (o *Officer) advanceDraft(ctx context.Context, pkg *Package, b *reportBuilder) error {
	if errs := o.validator.ValidateSchema(ctx, pkg); len(errs) > 0 {
		o.metrics.ObserveValidationFailure(string(ValidationLevelV0))
		return o.fail(ctx, pkg, "schema validation failed: "+strings.Join(errs, "; "), b)
	}
	level := ValidationLevelV0
	return o.transition(ctx, pkg, PackageStateReady,
		"schema validation passed",
		nil, &PackageUpdate{ValidationLevel: &level}, b)
}

func (o *Officer) advanceReady(ctx context.Context, pkg *Package, runningIntensive int, b *reportBuilder) error {
	target, err := o.store.GetTarget(ctx, pkg.TargetID)
	if err != nil {
		return err
	}

	rec, err := o.gateway.Submit(ctx, pkg, target.Priority, runningIntensive)
	if err != nil {
		if errors.Is(err, ErrSubmissionDenied) {
			b.add(func(r *CycleReport) {
				r.DeferredPackages = append(r.DeferredPackages, pkg.ID)
			})
			return nil
		}
		return err
	}

	return o.transition(ctx, pkg, PackageStateSubmitted,
		"handed off to executor",
		map[string]string{"handoff_id": rec.ID}, nil, b)
}

// advanceAwaiting polls the executor and walks the package along the
// success path until it matches the handoff status. A completed handoff
// additionally passes the execution validation gate before the package
// reaches completed; a failed handoff fails the package with the
// executor's reason.
func (o *Officer) advanceAwaiting(ctx context.Context, pkg *Package, b *reportBuilder) error {
	rec, err := o.gateway.Poll(ctx, pkg)
	if err != nil {
		return err
	}

	if rec.Status == HandoffStatusFailed {
		return o.fail(ctx, pkg, handoffFailureReason(rec.Result), b)
	}

	o.flagStuck(pkg, rec, b)

	desired := rec.Status.PackageStateFor()
	for pkg.State != desired && pkg.State.Rank() < desired.Rank() {
		next, err := pkg.State.Next()
		if err != nil {
			return err
		}
		if err := o.transition(ctx, pkg, next,
			fmt.Sprintf("executor reported %s", rec.Status),
			map[string]string{"handoff_id": rec.ID}, nil, b); err != nil {
			return err
		}
		pkg, err = o.store.GetPackage(ctx, pkg.ID)
		if err != nil {
			return err
		}
	}

	if rec.Status != HandoffStatusCompleted || pkg.State != PackageStateRunning {
		return nil
	}

	if errs := o.validator.ValidateExecution(ctx, pkg); len(errs) > 0 {
		o.metrics.ObserveValidationFailure(string(ValidationLevelV1))
		return o.fail(ctx, pkg, "execution validation failed: "+strings.Join(errs, "; "), b)
	}
	level := ValidationLevelV1
	return o.transition(ctx, pkg, PackageStateCompleted,
		"execution validation passed",
		map[string]string{"handoff_id": rec.ID},
		&PackageUpdate{ValidationLevel: &level}, b)
}

func (o *Officer) advanceCompleted(ctx context.Context, pkg *Package, b *reportBuilder) error {
	summary, err := o.reconciler.Reconcile(ctx, pkg)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return o.transition(ctx, pkg, PackageStateOutputsIngested,
		"outputs reconciled into manifest",
		map[string]string{"reconcile_summary": string(encoded)}, nil, b)
}

func (o *Officer) advanceIngested(ctx context.Context, pkg *Package, b *reportBuilder) error {
	if errs := o.validator.ValidateOutputs(ctx, pkg); len(errs) > 0 {
		o.metrics.ObserveValidationFailure(string(ValidationLevelV2))
		return o.fail(ctx, pkg, "output validation failed: "+strings.Join(errs, "; "), b)
	}
	level := ValidationLevelV2
	return o.transition(ctx, pkg, PackageStateValidated,
		"output validation passed",
		nil, &PackageUpdate{ValidationLevel: &level}, b)
}

func (o *Officer) advanceValidated(ctx context.Context, pkg *Package, b *reportBuilder) error {
	if err := o.transition(ctx, pkg, PackageStateClosed,
		"package closed", nil, nil, b); err != nil {
		return err
	}
	b.add(func(r *CycleReport) {
		r.ClosedPackages = append(r.ClosedPackages, pkg.ID)
	})
	if err := o.store.UpdateTargetStatus(ctx, pkg.TargetID, TargetStatusValidated); err != nil {
		return err
	}
	o.log.WithTargetID(pkg.TargetID).
		WithPackageID(pkg.ID).
		Info("package closed, target validated")
	return nil
}

func (o *Officer) advanceFailed(ctx context.Context, pkg *Package, b *reportBuilder) error {
	outcome, err := o.recovery.Recover(ctx, pkg, o.opts.Actor)
	if err != nil {
		return err
	}
	if outcome == nil {
		// Already resolved; nothing will transition it again.
		o.machine.ReleaseLock(pkg.ID)
		return nil
	}
	if outcome.Resubmitted {
		b.add(func(r *CycleReport) { r.Transitions++ })
	} else {
		b.add(func(r *CycleReport) {
			r.CreatedPackages = append(r.CreatedPackages, outcome.ReplacementID)
		})
		o.machine.ReleaseLock(pkg.ID)
	}
	return nil
}

// flagStuck reports packages waiting on the executor far beyond their
// estimate; operators resolve these with manual failure injection.
func (o *Officer) flagStuck(pkg *Package, rec *HandoffRecord, b *reportBuilder) {
	if rec.Status.IsTerminal() {
		return
	}
	estimate := EstimateDuration(pkg)
	if estimate <= 0 {
		return
	}
	waited := time.Since(rec.SubmittedAt)
	if waited > time.Duration(o.opts.StuckFactor)*estimate {
		b.add(func(r *CycleReport) {
			r.StuckPackages = append(r.StuckPackages, pkg.ID)
		})
		o.log.WithPackageID(pkg.ID).
			WithHandoffID(rec.ID).
			WithField("waited", waited.String()).
			Warn("package appears stuck on executor")
	}
}

func (o *Officer) transition(ctx context.Context, pkg *Package, to PackageState, reason string, meta map[string]string, upd *PackageUpdate, b *reportBuilder) error {
	if _, err := o.machine.TransitionLocked(ctx, pkg.ID, to, reason, o.opts.Actor, meta, upd); err != nil {
		return err
	}
	b.add(func(r *CycleReport) { r.Transitions++ })
	return nil
}

func (o *Officer) fail(ctx context.Context, pkg *Package, reason string, b *reportBuilder) error {
	if _, err := o.machine.FailLocked(ctx, pkg, reason, o.opts.Actor, nil); err != nil {
		return err
	}
	b.add(func(r *CycleReport) {
		r.Transitions++
		r.FailedPackages = append(r.FailedPackages, pkg.ID)
	})
	return nil
}

// persistReport writes the cycle report to the audit log so reports
// survive restarts and `curator report` can list them.
func (o *Officer) persistReport(ctx context.Context, report *CycleReport) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return err
	}
	details := string(encoded)
	return o.store.CreateAuditEntry(ctx, &AuditEntry{
		Action:    "sweep.completed",
		Actor:     o.opts.Actor,
		EntityID:  &report.SweepID,
		Details:   &details,
		Timestamp: report.CompletedAt,
	})
}

// handoffFailureReason extracts a failure reason from an executor result
// payload. Executors report {"error": "..."} or {"reason": "..."};
// anything else is passed through verbatim.
func handoffFailureReason(result json.RawMessage) string {
	if len(result) == 0 {
		return "executor reported failure without detail"
	}
	var payload struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(result, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Reason != "" {
			return payload.Reason
		}
	}
	return string(result)
}

// isStoreFatal reports whether an error should abort the whole sweep
// rather than be recorded as a per-package error.
func isStoreFatal(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
