package engine_test

import (
	"context"
	"strings"
	"testing"

	"github.com/opencurator/opencurator/pkg/engine"
)

// TestReconcileOutcomes checks valid, missing, kind-mismatch and
// structurally invalid outputs in one pass.
func TestReconcileOutcomes(t *testing.T) {
	store := newTestStore(t)
	artifacts := newFakeArtifacts()
	sink := newFakeSink()
	reconciler := engine.NewReconciler(store, artifacts, sink, testLogger(t), nil)
	ctx := context.Background()

	createTarget(t, store, "acme", 2, "")
	pkg := createPackage(t, store, "acme", 1)
	pkg.ExpectedOutputs = []engine.OutputDescriptor{
		{Path: "documents/acme/filing-001.pdf", Kind: engine.ArtifactKindDocument},
		{Path: "data/acme/filing-index.json", Kind: engine.ArtifactKindData},
		{Path: "documents/acme/filing-002.pdf", Kind: engine.ArtifactKindDocument},
		{Path: "documents/acme/filing-003.pdf", Kind: engine.ArtifactKindDocument},
	}

	artifacts.put("documents/acme/filing-001.pdf", engine.ArtifactKindDocument, "%PDF fake filing")
	artifacts.put("data/acme/filing-index.json", engine.ArtifactKindDocument, "{}") // wrong kind
	artifacts.putInvalid("documents/acme/filing-002.pdf", engine.ArtifactKindDocument)
	// filing-003 never lands.

	summary, err := reconciler.Reconcile(ctx, pkg)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if summary.Valid != 1 || summary.Invalid != 2 || summary.Missing != 1 || summary.Existing != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	entries, err := store.ListManifestByPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("failed to list manifest: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 manifest entries, got %d", len(entries))
	}

	byPath := make(map[string]*engine.ManifestEntry)
	for _, e := range entries {
		byPath[e.ExpectedPath] = e
	}
	if byPath["documents/acme/filing-001.pdf"].Status != engine.ManifestStatusValid {
		t.Error("expected filing-001 valid")
	}
	mismatch := byPath["data/acme/filing-index.json"]
	if mismatch.Status != engine.ManifestStatusInvalid || mismatch.Error == nil {
		t.Error("expected filing-index invalid with detail")
	}
	missing := byPath["documents/acme/filing-003.pdf"]
	if missing.Status != engine.ManifestStatusMissing {
		t.Error("expected filing-003 missing")
	}
	if missing.Error == nil || !strings.Contains(*missing.Error, "documents/acme/filing-003.pdf") {
		t.Errorf("missing entry should carry a detail naming the path, got %v", missing.Error)
	}

	// Only the valid artifact reached the evidence sink.
	if sink.count("documents/acme/filing-001.pdf") != 1 {
		t.Error("valid artifact was not ingested")
	}
	if sink.count("data/acme/filing-index.json") != 0 {
		t.Error("kind-mismatched artifact was ingested")
	}
}

// TestReconcileIdempotent checks that a second pass skips existing entries
// and never double-ingests.
func TestReconcileIdempotent(t *testing.T) {
	store := newTestStore(t)
	artifacts := newFakeArtifacts()
	sink := newFakeSink()
	reconciler := engine.NewReconciler(store, artifacts, sink, testLogger(t), nil)
	ctx := context.Background()

	createTarget(t, store, "acme", 2, "")
	pkg := createPackage(t, store, "acme", 1)

	artifacts.put(pkg.ExpectedOutputs[0].Path, engine.ArtifactKindDocument, "%PDF fake")
	artifacts.put(pkg.ExpectedOutputs[1].Path, engine.ArtifactKindData, `{"entries":[]}`)

	first, err := reconciler.Reconcile(ctx, pkg)
	if err != nil {
		t.Fatalf("first reconcile failed: %v", err)
	}
	if first.Valid != 2 || first.Existing != 0 {
		t.Fatalf("unexpected first summary: %+v", first)
	}

	second, err := reconciler.Reconcile(ctx, pkg)
	if err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}
	if second.Valid != 0 || second.Existing != 2 {
		t.Fatalf("unexpected second summary: %+v", second)
	}

	entries, err := store.ListManifestByPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("failed to list manifest: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 manifest entries after both passes, got %d", len(entries))
	}
	for _, out := range pkg.ExpectedOutputs {
		if sink.count(out.Path) != 1 {
			t.Errorf("artifact %s ingested %d times, want 1", out.Path, sink.count(out.Path))
		}
	}
}

// TestReconcileResumesPartialPass checks that an interrupted pass resumes
// with only the unfinished outputs.
func TestReconcileResumesPartialPass(t *testing.T) {
	store := newTestStore(t)
	artifacts := newFakeArtifacts()
	reconciler := engine.NewReconciler(store, artifacts, nil, testLogger(t), nil)
	ctx := context.Background()

	createTarget(t, store, "acme", 2, "")
	pkg := createPackage(t, store, "acme", 1)

	// Simulate a crashed pass that only recorded the first output.
	entry := &engine.ManifestEntry{
		ID:           "manifest-partial",
		PackageID:    pkg.ID,
		ExpectedPath: pkg.ExpectedOutputs[0].Path,
		ExpectedKind: pkg.ExpectedOutputs[0].Kind,
		Status:       engine.ManifestStatusValid,
	}
	if err := store.CreateManifestEntry(ctx, entry); err != nil {
		t.Fatalf("failed to create manifest entry: %v", err)
	}

	artifacts.put(pkg.ExpectedOutputs[1].Path, engine.ArtifactKindData, `[]`)

	summary, err := reconciler.Reconcile(ctx, pkg)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if summary.Existing != 1 || summary.Valid != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
