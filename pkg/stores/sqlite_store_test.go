package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencurator/opencurator/pkg/engine"
)

// setupTestStore creates a file-backed SQLite store in a temp directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "curator.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func testTarget(id string) *engine.Target {
	return &engine.Target{
		ID:       id,
		Name:     "Test Target " + id,
		Category: engine.TargetCategoryOrg,
		Priority: 2,
		Status:   engine.TargetStatusNew,
	}
}

func testPackage(targetID string, version int) *engine.Package {
	return &engine.Package{
		ID:          engine.PackageID(targetID, version),
		TargetID:    targetID,
		Version:     version,
		Kind:        engine.PackageKindDocument,
		State:       engine.PackageStateDraft,
		PlanSummary: "collect public filings",
		Endpoints:   []string{"https://registry.example.org/acme/filings"},
		ExpectedOutputs: []engine.OutputDescriptor{
			{Path: "documents/acme/filing-001.pdf", Kind: engine.ArtifactKindDocument},
		},
		ValidationLevel: engine.ValidationLevelNone,
	}
}

func creationEntry(pkg *engine.Package) *engine.HistoryEntry {
	return &engine.HistoryEntry{
		PackageID: pkg.ID,
		ToState:   engine.PackageStateDraft,
		Reason:    "package synthesized from target profile",
		Actor:     "officer",
		Timestamp: time.Now().UTC(),
	}
}

// TestStoreMigrations checks that all tables exist after migration.
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"targets", "packages", "handoffs", "manifest_entries", "history", "audit"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestTargetCRUD tests target create, read, list, and status update.
func TestTargetCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	target := testTarget("acme")
	target.Metadata = map[string]string{"description": "quarterly filings"}
	if err := store.CreateTarget(ctx, target); err != nil {
		t.Fatalf("failed to create target: %v", err)
	}

	retrieved, err := store.GetTarget(ctx, "acme")
	if err != nil {
		t.Fatalf("failed to get target: %v", err)
	}
	if retrieved.Name != target.Name {
		t.Errorf("expected name %q, got %q", target.Name, retrieved.Name)
	}
	if retrieved.Category != engine.TargetCategoryOrg {
		t.Errorf("expected category org, got %s", retrieved.Category)
	}
	if retrieved.Metadata["description"] != "quarterly filings" {
		t.Errorf("metadata not round-tripped: %v", retrieved.Metadata)
	}

	if err := store.UpdateTargetStatus(ctx, "acme", engine.TargetStatusUnderResearch); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}
	retrieved, err = store.GetTarget(ctx, "acme")
	if err != nil {
		t.Fatalf("failed to re-get target: %v", err)
	}
	if retrieved.Status != engine.TargetStatusUnderResearch {
		t.Errorf("expected status under_research, got %s", retrieved.Status)
	}

	_, err = store.GetTarget(ctx, "missing")
	if !engine.IsNotFound(err) {
		t.Errorf("expected ErrNotFound for missing target, got %v", err)
	}
}

// TestListTargetsFilterAndOrder tests status filtering and priority ordering.
func TestListTargetsFilterAndOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	low := testTarget("low-prio")
	low.Priority = 5
	high := testTarget("high-prio")
	high.Priority = 1
	closed := testTarget("closed-one")
	closed.Status = engine.TargetStatusClosed

	for _, target := range []*engine.Target{low, high, closed} {
		if err := store.CreateTarget(ctx, target); err != nil {
			t.Fatalf("failed to create target %s: %v", target.ID, err)
		}
	}

	targets, err := store.ListTargets(ctx, []engine.TargetStatus{engine.TargetStatusNew}, 0, 0)
	if err != nil {
		t.Fatalf("failed to list targets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 new targets, got %d", len(targets))
	}
	if targets[0].ID != "high-prio" {
		t.Errorf("expected high-prio first, got %s", targets[0].ID)
	}

	all, err := store.ListTargets(ctx, nil, 0, 0)
	if err != nil {
		t.Fatalf("failed to list all targets: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 targets without filter, got %d", len(all))
	}
}

// TestCreatePackageLiveInvariant tests that a second live package for the
// same target is rejected while terminal packages do not hold the slot.
func TestCreatePackageLiveInvariant(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateTarget(ctx, testTarget("acme")); err != nil {
		t.Fatalf("failed to create target: %v", err)
	}

	first := testPackage("acme", 1)
	if err := store.CreatePackage(ctx, first, creationEntry(first)); err != nil {
		t.Fatalf("failed to create first package: %v", err)
	}

	second := testPackage("acme", 2)
	err := store.CreatePackage(ctx, second, creationEntry(second))
	if !errors.Is(err, engine.ErrLivePackageExists) {
		t.Fatalf("expected ErrLivePackageExists, got %v", err)
	}

	// Fail the first package; the slot frees up.
	entry := &engine.HistoryEntry{
		PackageID: first.ID,
		FromState: engine.PackageStateDraft,
		ToState:   engine.PackageStateFailed,
		Reason:    "endpoint returned 404",
		Actor:     "officer",
		Timestamp: time.Now().UTC(),
	}
	if err := store.TransitionPackage(ctx, first.ID, engine.PackageStateDraft, engine.PackageStateFailed, nil, entry); err != nil {
		t.Fatalf("failed to fail first package: %v", err)
	}

	if err := store.CreatePackage(ctx, second, creationEntry(second)); err != nil {
		t.Fatalf("expected second package to be accepted after failure, got %v", err)
	}

	live, err := store.GetLivePackage(ctx, "acme")
	if err != nil {
		t.Fatalf("failed to get live package: %v", err)
	}
	if live.ID != second.ID {
		t.Errorf("expected live package %s, got %s", second.ID, live.ID)
	}

	latest, err := store.LatestPackage(ctx, "acme")
	if err != nil {
		t.Fatalf("failed to get latest package: %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("expected latest version 2, got %d", latest.Version)
	}

	// A duplicate (target, version) row violates a different constraint
	// and must not masquerade as the live-package invariant.
	entry = &engine.HistoryEntry{
		PackageID: second.ID,
		FromState: engine.PackageStateDraft,
		ToState:   engine.PackageStateFailed,
		Reason:    "endpoint returned 404",
		Actor:     "officer",
		Timestamp: time.Now().UTC(),
	}
	if err := store.TransitionPackage(ctx, second.ID, engine.PackageStateDraft, engine.PackageStateFailed, nil, entry); err != nil {
		t.Fatalf("failed to fail second package: %v", err)
	}
	dup := testPackage("acme", 2)
	dup.ID = "pkg-acme-v2-retry"
	err = store.CreatePackage(ctx, dup, creationEntry(dup))
	if err == nil {
		t.Fatal("expected duplicate version to be rejected")
	}
	if errors.Is(err, engine.ErrLivePackageExists) {
		t.Errorf("duplicate version misreported as live-package violation: %v", err)
	}
}

// TestTransitionPackageStaleState tests the optimistic state guard.
func TestTransitionPackageStaleState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateTarget(ctx, testTarget("acme")); err != nil {
		t.Fatalf("failed to create target: %v", err)
	}
	pkg := testPackage("acme", 1)
	if err := store.CreatePackage(ctx, pkg, creationEntry(pkg)); err != nil {
		t.Fatalf("failed to create package: %v", err)
	}

	level := engine.ValidationLevelV0
	entry := &engine.HistoryEntry{
		PackageID: pkg.ID,
		FromState: engine.PackageStateDraft,
		ToState:   engine.PackageStateReady,
		Reason:    "schema validation passed",
		Actor:     "officer",
		Timestamp: time.Now().UTC(),
	}
	upd := &engine.PackageUpdate{ValidationLevel: &level}
	if err := store.TransitionPackage(ctx, pkg.ID, engine.PackageStateDraft, engine.PackageStateReady, upd, entry); err != nil {
		t.Fatalf("failed to transition package: %v", err)
	}

	// Second transition from the same expected state loses.
	err := store.TransitionPackage(ctx, pkg.ID, engine.PackageStateDraft, engine.PackageStateReady, upd, entry)
	if !errors.Is(err, engine.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}

	// Missing package is reported as ErrNotFound, not stale.
	err = store.TransitionPackage(ctx, "pkg-ghost-v1", engine.PackageStateDraft, engine.PackageStateReady, nil, entry)
	if !engine.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	retrieved, err := store.GetPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("failed to get package: %v", err)
	}
	if retrieved.State != engine.PackageStateReady {
		t.Errorf("expected state ready, got %s", retrieved.State)
	}
	if retrieved.ValidationLevel != engine.ValidationLevelV0 {
		t.Errorf("expected validation level v0, got %s", retrieved.ValidationLevel)
	}
}

// TestHistoryAppendOnlyOrder tests that history accumulates in order and
// the creation entry is written together with the package.
func TestHistoryAppendOnlyOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateTarget(ctx, testTarget("acme")); err != nil {
		t.Fatalf("failed to create target: %v", err)
	}
	pkg := testPackage("acme", 1)
	if err := store.CreatePackage(ctx, pkg, creationEntry(pkg)); err != nil {
		t.Fatalf("failed to create package: %v", err)
	}

	states := []engine.PackageState{
		engine.PackageStateReady,
		engine.PackageStateSubmitted,
		engine.PackageStateAccepted,
	}
	from := engine.PackageStateDraft
	for _, to := range states {
		entry := &engine.HistoryEntry{
			PackageID: pkg.ID,
			FromState: from,
			ToState:   to,
			Reason:    "advancing",
			Actor:     "officer",
			Timestamp: time.Now().UTC(),
		}
		if err := store.TransitionPackage(ctx, pkg.ID, from, to, nil, entry); err != nil {
			t.Fatalf("failed to transition to %s: %v", to, err)
		}
		from = to
	}

	entries, err := store.ListHistoryByPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(entries))
	}
	if entries[0].FromState != "" || entries[0].ToState != engine.PackageStateDraft {
		t.Errorf("expected creation entry first, got %s -> %s", entries[0].FromState, entries[0].ToState)
	}
	if entries[3].ToState != engine.PackageStateAccepted {
		t.Errorf("expected last entry accepted, got %s", entries[3].ToState)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ID <= entries[i-1].ID {
			t.Errorf("history ids not increasing: %d then %d", entries[i-1].ID, entries[i].ID)
		}
	}
}

// TestHandoffCRUD tests handoff persistence and status updates.
func TestHandoffCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateTarget(ctx, testTarget("acme")); err != nil {
		t.Fatalf("failed to create target: %v", err)
	}
	pkg := testPackage("acme", 1)
	if err := store.CreatePackage(ctx, pkg, creationEntry(pkg)); err != nil {
		t.Fatalf("failed to create package: %v", err)
	}

	rec := &engine.HandoffRecord{
		ID:          "handoff-001",
		PackageID:   pkg.ID,
		TaskSpec:    []byte(`{"priority_class":"normal"}`),
		Status:      engine.HandoffStatusPending,
		SubmittedAt: time.Now().UTC(),
	}
	if err := store.CreateHandoff(ctx, rec); err != nil {
		t.Fatalf("failed to create handoff: %v", err)
	}

	if err := store.UpdateHandoffStatus(ctx, rec.ID, engine.HandoffStatusRunning, nil, nil); err != nil {
		t.Fatalf("failed to update handoff: %v", err)
	}

	retrieved, err := store.GetHandoff(ctx, rec.ID)
	if err != nil {
		t.Fatalf("failed to get handoff: %v", err)
	}
	if retrieved.Status != engine.HandoffStatusRunning {
		t.Errorf("expected status running, got %s", retrieved.Status)
	}
	if retrieved.CompletedAt != nil {
		t.Errorf("expected CompletedAt unset, got %v", retrieved.CompletedAt)
	}

	completed := time.Now().UTC()
	result := []byte(`{"artifacts":1}`)
	if err := store.UpdateHandoffStatus(ctx, rec.ID, engine.HandoffStatusCompleted, result, &completed); err != nil {
		t.Fatalf("failed to complete handoff: %v", err)
	}
	retrieved, err = store.GetHandoff(ctx, rec.ID)
	if err != nil {
		t.Fatalf("failed to re-get handoff: %v", err)
	}
	if retrieved.CompletedAt == nil {
		t.Error("expected CompletedAt set")
	}
	if string(retrieved.Result) != string(result) {
		t.Errorf("expected result %s, got %s", result, retrieved.Result)
	}

	latest, err := store.LatestHandoff(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("failed to get latest handoff: %v", err)
	}
	if latest.ID != rec.ID {
		t.Errorf("expected latest handoff %s, got %s", rec.ID, latest.ID)
	}

	_, err = store.LatestHandoff(ctx, "pkg-ghost-v1")
	if !engine.IsNotFound(err) {
		t.Errorf("expected ErrNotFound for package without handoffs, got %v", err)
	}
}

// TestManifestEntryUniqueness tests the per-package path uniqueness.
func TestManifestEntryUniqueness(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateTarget(ctx, testTarget("acme")); err != nil {
		t.Fatalf("failed to create target: %v", err)
	}
	pkg := testPackage("acme", 1)
	if err := store.CreatePackage(ctx, pkg, creationEntry(pkg)); err != nil {
		t.Fatalf("failed to create package: %v", err)
	}

	kind := engine.ArtifactKindDocument
	observed := "documents/acme/filing-001.pdf"
	entry := &engine.ManifestEntry{
		ID:           "manifest-001",
		PackageID:    pkg.ID,
		ExpectedPath: "documents/acme/filing-001.pdf",
		ExpectedKind: engine.ArtifactKindDocument,
		ObservedPath: &observed,
		ObservedKind: &kind,
		Status:       engine.ManifestStatusValid,
	}
	if err := store.CreateManifestEntry(ctx, entry); err != nil {
		t.Fatalf("failed to create manifest entry: %v", err)
	}

	dup := *entry
	dup.ID = "manifest-002"
	if err := store.CreateManifestEntry(ctx, &dup); err == nil {
		t.Fatal("expected duplicate manifest entry to be rejected")
	}

	entries, err := store.ListManifestByPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("failed to list manifest: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 manifest entry, got %d", len(entries))
	}
	if entries[0].ObservedKind == nil || *entries[0].ObservedKind != engine.ArtifactKindDocument {
		t.Errorf("observed kind not round-tripped: %v", entries[0].ObservedKind)
	}
}

// TestCountPackagesByState tests the per-state population counts.
func TestCountPackagesByState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"one", "two"} {
		if err := store.CreateTarget(ctx, testTarget(id)); err != nil {
			t.Fatalf("failed to create target: %v", err)
		}
		pkg := testPackage(id, 1)
		if err := store.CreatePackage(ctx, pkg, creationEntry(pkg)); err != nil {
			t.Fatalf("failed to create package: %v", err)
		}
	}

	counts, err := store.CountPackagesByState(ctx)
	if err != nil {
		t.Fatalf("failed to count packages: %v", err)
	}
	if counts[engine.PackageStateDraft] != 2 {
		t.Errorf("expected 2 drafts, got %d", counts[engine.PackageStateDraft])
	}
}

// TestAuditEntryFilter tests audit persistence and the action filter.
func TestAuditEntryFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sweepID := "sweep-001"
	details := `{"sweep_id":"sweep-001","transitions":3}`
	entries := []*engine.AuditEntry{
		{Action: "target.created", Actor: "operator", Timestamp: time.Now().UTC()},
		{Action: "sweep.completed", Actor: "officer", EntityID: &sweepID, Details: &details, Timestamp: time.Now().UTC()},
		{Action: "sweep.completed", Actor: "officer", Timestamp: time.Now().UTC()},
	}
	for _, entry := range entries {
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
	}

	action := "sweep.completed"
	sweeps, err := store.ListAuditEntries(ctx, &action, 0, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(sweeps) != 2 {
		t.Fatalf("expected 2 sweep entries, got %d", len(sweeps))
	}
	// Newest first.
	if sweeps[0].ID <= sweeps[1].ID {
		t.Errorf("expected descending ids, got %d then %d", sweeps[0].ID, sweeps[1].ID)
	}

	all, err := store.ListAuditEntries(ctx, nil, 0, 0)
	if err != nil {
		t.Fatalf("failed to list all audit entries: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 audit entries, got %d", len(all))
	}
}

// TestUpdatePackageMetadata tests metadata replacement outside transitions.
func TestUpdatePackageMetadata(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateTarget(ctx, testTarget("acme")); err != nil {
		t.Fatalf("failed to create target: %v", err)
	}
	pkg := testPackage("acme", 1)
	if err := store.CreatePackage(ctx, pkg, creationEntry(pkg)); err != nil {
		t.Fatalf("failed to create package: %v", err)
	}

	md := map[string]string{engine.MetaResolution: "replanned:pkg-acme-v2"}
	if err := store.UpdatePackageMetadata(ctx, pkg.ID, md); err != nil {
		t.Fatalf("failed to update metadata: %v", err)
	}

	retrieved, err := store.GetPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("failed to get package: %v", err)
	}
	if !retrieved.Resolved() {
		t.Error("expected package to report resolved")
	}
}
