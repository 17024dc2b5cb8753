package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencurator/opencurator/pkg/telemetry"
)

// ReconcileSummary counts manifest outcomes for one reconciliation pass.
type ReconcileSummary struct {
	// Valid, Invalid and Missing count entries created this pass.
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
	Missing int `json:"missing"`

	// Existing counts expected outputs that already had a manifest entry
	// from an earlier pass and were left untouched.
	Existing int `json:"existing"`
}

// Reconciler builds the output manifest for a completed package: it
// checks each expected output against the artifact store, structurally
// validates what it finds, and ingests valid artifacts into the evidence
// sink. Reconciliation is idempotent; expected outputs that already have
// a manifest entry are skipped, so a sweep interrupted mid-pass resumes
// where it stopped.
type Reconciler struct {
	store     Store
	artifacts ArtifactStore
	sink      EvidenceSink
	log       *telemetry.Logger
	metrics   *telemetry.Metrics
}

// NewReconciler creates a reconciler over the given stores. sink may be
// nil when no evidence store is configured; valid artifacts then stay in
// the artifact store only.
func NewReconciler(store Store, artifacts ArtifactStore, sink EvidenceSink, log *telemetry.Logger, metrics *telemetry.Metrics) *Reconciler {
	return &Reconciler{
		store:     store,
		artifacts: artifacts,
		sink:      sink,
		log:       log.NewComponentLogger("reconciler"),
		metrics:   metrics,
	}
}

// Reconcile creates manifest entries for every expected output of the
// package that does not have one yet. It never deletes or rewrites
// existing entries.
func (r *Reconciler) Reconcile(ctx context.Context, pkg *Package) (*ReconcileSummary, error) {
	existing, err := r.store.ListManifestByPackage(ctx, pkg.ID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(existing))
	for _, e := range existing {
		done[e.ExpectedPath] = true
	}

	summary := &ReconcileSummary{Existing: len(existing)}
	for _, out := range pkg.ExpectedOutputs {
		if done[out.Path] {
			continue
		}
		entry, err := r.reconcileOutput(ctx, pkg, out)
		if err != nil {
			return nil, err
		}
		switch entry.Status {
		case ManifestStatusValid:
			summary.Valid++
		case ManifestStatusInvalid:
			summary.Invalid++
		case ManifestStatusMissing:
			summary.Missing++
		}
		r.metrics.ObserveManifestOutcome(string(entry.Status))
	}

	r.log.WithPackageID(pkg.ID).
		WithField("valid", summary.Valid).
		WithField("invalid", summary.Invalid).
		WithField("missing", summary.Missing).
		WithField("existing", summary.Existing).
		Info("package outputs reconciled")

	return summary, nil
}

func (r *Reconciler) reconcileOutput(ctx context.Context, pkg *Package, out OutputDescriptor) (*ManifestEntry, error) {
	now := time.Now().UTC()
	entry := &ManifestEntry{
		ID:           "manifest-" + uuid.NewString(),
		PackageID:    pkg.ID,
		ExpectedPath: out.Path,
		ExpectedKind: out.Kind,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	info, err := r.artifacts.Stat(ctx, out.Path)
	if err != nil {
		if !IsNotFound(err) {
			return nil, err
		}
		msg := fmt.Sprintf("expected output %s not found on the artifact store", out.Path)
		entry.Status = ManifestStatusMissing
		entry.Error = &msg
		return entry, r.store.CreateManifestEntry(ctx, entry)
	}

	entry.ObservedPath = &info.Path

	kind, err := r.artifacts.DetectKind(ctx, out.Path)
	if err != nil {
		msg := fmt.Sprintf("kind detection failed: %v", err)
		entry.Status = ManifestStatusInvalid
		entry.Error = &msg
		return entry, r.store.CreateManifestEntry(ctx, entry)
	}
	entry.ObservedKind = &kind

	if kind != out.Kind {
		msg := fmt.Sprintf("kind mismatch: expected %s, found %s", out.Kind, kind)
		entry.Status = ManifestStatusInvalid
		entry.Error = &msg
		return entry, r.store.CreateManifestEntry(ctx, entry)
	}

	if err := r.artifacts.Validate(ctx, out.Path, kind); err != nil {
		msg := fmt.Sprintf("structural validation failed: %v", err)
		entry.Status = ManifestStatusInvalid
		entry.Error = &msg
		return entry, r.store.CreateManifestEntry(ctx, entry)
	}

	if err := r.ingest(ctx, out, info); err != nil {
		msg := fmt.Sprintf("evidence ingestion failed: %v", err)
		entry.Status = ManifestStatusInvalid
		entry.Error = &msg
		return entry, r.store.CreateManifestEntry(ctx, entry)
	}

	entry.Status = ManifestStatusValid
	return entry, r.store.CreateManifestEntry(ctx, entry)
}

func (r *Reconciler) ingest(ctx context.Context, out OutputDescriptor, info *ArtifactInfo) error {
	if r.sink == nil {
		return nil
	}
	rc, err := r.artifacts.Open(ctx, out.Path)
	if err != nil {
		return err
	}
	defer rc.Close()
	return r.sink.Ingest(ctx, out, info, rc)
}
