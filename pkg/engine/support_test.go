package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencurator/opencurator/pkg/engine"
	"github.com/opencurator/opencurator/pkg/stores"
	"github.com/opencurator/opencurator/pkg/telemetry"
)

// testLogger builds a quiet logger for tests.
func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// newTestStore creates a migrated SQLite store in a temp directory.
func newTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{
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

// fakeArtifacts is an in-memory artifact store keyed by logical path.
type fakeArtifacts struct {
	mu    sync.Mutex
	files map[string]fakeArtifact
}

type fakeArtifact struct {
	kind    engine.ArtifactKind
	content []byte
	invalid bool
	badKind bool
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{files: make(map[string]fakeArtifact)}
}

func (f *fakeArtifacts) put(path string, kind engine.ArtifactKind, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = fakeArtifact{kind: kind, content: []byte(content)}
}

func (f *fakeArtifacts) putInvalid(path string, kind engine.ArtifactKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = fakeArtifact{kind: kind, invalid: true}
}

func (f *fakeArtifacts) putUndetectable(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = fakeArtifact{badKind: true}
}

func (f *fakeArtifacts) get(path string) (fakeArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.files[path]
	if !ok {
		return fakeArtifact{}, fmt.Errorf("artifact %s: %w", path, engine.ErrNotFound)
	}
	return a, nil
}

func (f *fakeArtifacts) Stat(_ context.Context, path string) (*engine.ArtifactInfo, error) {
	a, err := f.get(path)
	if err != nil {
		return nil, err
	}
	return &engine.ArtifactInfo{Path: path, Size: int64(len(a.content)), ModTime: time.Now()}, nil
}

func (f *fakeArtifacts) DetectKind(_ context.Context, path string) (engine.ArtifactKind, error) {
	a, err := f.get(path)
	if err != nil {
		return "", err
	}
	if a.badKind {
		return "", fmt.Errorf("artifact %s: unsupported format", path)
	}
	return a.kind, nil
}

func (f *fakeArtifacts) Validate(_ context.Context, path string, _ engine.ArtifactKind) error {
	a, err := f.get(path)
	if err != nil {
		return err
	}
	if a.invalid {
		return fmt.Errorf("artifact %s failed structural validation", path)
	}
	return nil
}

func (f *fakeArtifacts) Open(_ context.Context, path string) (io.ReadCloser, error) {
	a, err := f.get(path)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(a.content)), nil
}

// fakeSink records ingested artifacts.
type fakeSink struct {
	mu       sync.Mutex
	ingested map[string]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{ingested: make(map[string]int)}
}

func (s *fakeSink) Ingest(_ context.Context, desc engine.OutputDescriptor, _ *engine.ArtifactInfo, r io.Reader) error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingested[desc.Path]++
	return nil
}

func (s *fakeSink) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingested[path]
}

// fakeExecutor simulates the external executor. Tests script its per-
// handoff status; unscripted handoffs report as unknown.
type fakeExecutor struct {
	mu        sync.Mutex
	submitted map[string]*engine.TaskSpec
	statuses  map[string]engine.HandoffStatus
	results   map[string]json.RawMessage
	submitErr error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		submitted: make(map[string]*engine.TaskSpec),
		statuses:  make(map[string]engine.HandoffStatus),
		results:   make(map[string]json.RawMessage),
	}
}

func (e *fakeExecutor) Submit(_ context.Context, handoffID string, spec *engine.TaskSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitErr != nil {
		return e.submitErr
	}
	e.submitted[handoffID] = spec
	return nil
}

func (e *fakeExecutor) Status(_ context.Context, handoffID string) (engine.HandoffStatus, json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, ok := e.statuses[handoffID]
	if !ok {
		return "", nil, fmt.Errorf("handoff %s: %w", handoffID, engine.ErrNotFound)
	}
	return status, e.results[handoffID], nil
}

// report scripts the executor's next status report for every submitted
// handoff that does not have one yet.
func (e *fakeExecutor) report(status engine.HandoffStatus, result json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.submitted {
		e.statuses[id] = status
		if result != nil {
			e.results[id] = result
		}
	}
}

func (e *fakeExecutor) submissionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.submitted)
}

// denyGate denies every resource-intensive submission and allows the rest.
type denyGate struct{}

func (denyGate) Authorize(_ context.Context, input *engine.SubmissionInput) (*engine.SubmissionDecision, error) {
	if input.ResourceIntensive {
		return &engine.SubmissionDecision{
			Allow:   false,
			Reasons: []string{"intensive capacity exhausted"},
		}, nil
	}
	return &engine.SubmissionDecision{Allow: true}, nil
}

// createTarget persists a target with sane defaults.
func createTarget(t *testing.T, store engine.Store, id string, priority int, description string) *engine.Target {
	t.Helper()
	now := time.Now().UTC()
	target := &engine.Target{
		ID:        id,
		Name:      "Target " + id,
		Category:  engine.TargetCategoryOrg,
		Priority:  priority,
		Status:    engine.TargetStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if description != "" {
		target.Metadata = map[string]string{"description": description}
	}
	if err := store.CreateTarget(context.Background(), target); err != nil {
		t.Fatalf("failed to create target %s: %v", id, err)
	}
	return target
}

// createPackage persists a draft document package for the target.
func createPackage(t *testing.T, store engine.Store, targetID string, version int) *engine.Package {
	t.Helper()
	now := time.Now().UTC()
	pkg := &engine.Package{
		ID:          engine.PackageID(targetID, version),
		TargetID:    targetID,
		Version:     version,
		Kind:        engine.PackageKindDocument,
		State:       engine.PackageStateDraft,
		PlanSummary: "collect public filings from the registry",
		Endpoints:   []string{"https://registry.example.org/" + targetID + "/filings"},
		ExpectedOutputs: []engine.OutputDescriptor{
			{Path: "documents/" + targetID + "/filing-001.pdf", Kind: engine.ArtifactKindDocument},
			{Path: "data/" + targetID + "/filing-index.json", Kind: engine.ArtifactKindData},
		},
		ValidationLevel: engine.ValidationLevelNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	entry := &engine.HistoryEntry{
		PackageID: pkg.ID,
		ToState:   engine.PackageStateDraft,
		Reason:    "package synthesized from target profile",
		Actor:     "officer",
		Timestamp: now,
	}
	if err := store.CreatePackage(context.Background(), pkg, entry); err != nil {
		t.Fatalf("failed to create package %s: %v", pkg.ID, err)
	}
	return pkg
}
