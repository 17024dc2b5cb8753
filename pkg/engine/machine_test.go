package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/opencurator/opencurator/pkg/engine"
)

// TestMachineTransition checks a guarded transition with a field update
// and its history entry.
func TestMachineTransition(t *testing.T) {
	store := newTestStore(t)
	machine := engine.NewMachine(store, testLogger(t), nil)
	ctx := context.Background()

	createTarget(t, store, "acme", 2, "")
	pkg := createPackage(t, store, "acme", 1)

	level := engine.ValidationLevelV0
	updated, err := machine.Transition(ctx, pkg.ID, engine.PackageStateReady,
		"schema validation passed", "officer", nil,
		&engine.PackageUpdate{ValidationLevel: &level})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if updated.State != engine.PackageStateReady {
		t.Errorf("expected state ready, got %s", updated.State)
	}
	if updated.ValidationLevel != engine.ValidationLevelV0 {
		t.Errorf("expected validation level v0, got %s", updated.ValidationLevel)
	}

	history, err := store.ListHistoryByPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	last := history[len(history)-1]
	if last.FromState != engine.PackageStateDraft || last.ToState != engine.PackageStateReady {
		t.Errorf("unexpected history edge %s -> %s", last.FromState, last.ToState)
	}
	if last.Reason != "schema validation passed" {
		t.Errorf("unexpected reason %q", last.Reason)
	}
}

// TestMachineRejectsInvalidEdge checks that off-graph transitions never
// reach the store.
func TestMachineRejectsInvalidEdge(t *testing.T) {
	store := newTestStore(t)
	machine := engine.NewMachine(store, testLogger(t), nil)
	ctx := context.Background()

	createTarget(t, store, "acme", 2, "")
	pkg := createPackage(t, store, "acme", 1)

	_, err := machine.Transition(ctx, pkg.ID, engine.PackageStateRunning,
		"skipping ahead", "officer", nil, nil)
	if err == nil {
		t.Fatal("expected draft -> running to be rejected")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("expected a permanent error, got %v", err)
	}

	current, err := store.GetPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("failed to get package: %v", err)
	}
	if current.State != engine.PackageStateDraft {
		t.Errorf("rejected transition mutated state to %s", current.State)
	}

	history, err := store.ListHistoryByPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("rejected transition appended history: %d entries", len(history))
	}
}

// TestMachineConcurrentTransitions races many identical transitions; the
// state must advance exactly once and gain exactly one history entry.
func TestMachineConcurrentTransitions(t *testing.T) {
	store := newTestStore(t)
	machine := engine.NewMachine(store, testLogger(t), nil)
	ctx := context.Background()

	createTarget(t, store, "acme", 2, "")
	pkg := createPackage(t, store, "acme", 1)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = machine.Transition(ctx, pkg.ID, engine.PackageStateReady,
				"racing", "officer", nil, nil)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		// Losers see either the guard rejection (draft -> ready no longer
		// valid once the package is ready) or the store's stale check.
		if !engine.IsPermanent(err) && !errors.Is(err, engine.ErrStaleState) {
			t.Errorf("unexpected loser error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}

	history, err := store.ListHistoryByPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("expected 2 history entries after the race, got %d", len(history))
	}
}

// TestMachineFail checks failure routing from a non-terminal state and
// the recorded failure reason.
func TestMachineFail(t *testing.T) {
	store := newTestStore(t)
	machine := engine.NewMachine(store, testLogger(t), nil)
	ctx := context.Background()

	createTarget(t, store, "acme", 2, "")
	pkg := createPackage(t, store, "acme", 1)

	failed, err := machine.Fail(ctx, pkg, "endpoint returned 404", "operator", nil)
	if err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	if failed.State != engine.PackageStateFailed {
		t.Errorf("expected state failed, got %s", failed.State)
	}

	current, err := store.GetPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("failed to get package: %v", err)
	}
	if current.Metadata[engine.MetaFailureReason] != "endpoint returned 404" {
		t.Errorf("failure reason not recorded: %v", current.Metadata)
	}

	// Failing a closed package is rejected.
	closedPkg := createPackage(t, store, "acme", 2)
	walkToClosed(t, machine, store, closedPkg)
	if _, err := machine.Fail(ctx, mustGet(t, store, closedPkg.ID), "too late", "operator", nil); err == nil {
		t.Error("expected failing a closed package to be rejected")
	}
}

// walkToClosed marches a draft package along the whole success path.
func walkToClosed(t *testing.T, machine *engine.Machine, store engine.Store, pkg *engine.Package) {
	t.Helper()
	ctx := context.Background()
	state := pkg.State
	for state != engine.PackageStateClosed {
		next, err := state.Next()
		if err != nil {
			t.Fatalf("no successor for %s: %v", state, err)
		}
		if _, err := machine.Transition(ctx, pkg.ID, next, "walking", "test", nil, nil); err != nil {
			t.Fatalf("failed to walk %s -> %s: %v", state, next, err)
		}
		state = next
	}
}

func mustGet(t *testing.T, store engine.Store, id string) *engine.Package {
	t.Helper()
	pkg, err := store.GetPackage(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get package %s: %v", id, err)
	}
	return pkg
}
