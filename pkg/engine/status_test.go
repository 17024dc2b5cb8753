package engine

import "testing"

// TestValidateTransitionGraph walks every edge of the transition graph.
func TestValidateTransitionGraph(t *testing.T) {
	tests := []struct {
		from, to PackageState
		wantErr  bool
	}{
		{PackageStateDraft, PackageStateReady, false},
		{PackageStateReady, PackageStateSubmitted, false},
		{PackageStateSubmitted, PackageStateAccepted, false},
		{PackageStateAccepted, PackageStateQueued, false},
		{PackageStateQueued, PackageStateRunning, false},
		{PackageStateRunning, PackageStateCompleted, false},
		{PackageStateCompleted, PackageStateOutputsIngested, false},
		{PackageStateOutputsIngested, PackageStateValidated, false},
		{PackageStateValidated, PackageStateClosed, false},

		// failed is reachable from every non-terminal state.
		{PackageStateDraft, PackageStateFailed, false},
		{PackageStateRunning, PackageStateFailed, false},
		{PackageStateValidated, PackageStateFailed, false},

		// The only edge out of failed is back to ready.
		{PackageStateFailed, PackageStateReady, false},
		{PackageStateFailed, PackageStateDraft, true},
		{PackageStateFailed, PackageStateSubmitted, true},

		// closed is terminal for good.
		{PackageStateClosed, PackageStateReady, true},
		{PackageStateClosed, PackageStateFailed, true},

		// No skipping and no going backwards.
		{PackageStateDraft, PackageStateSubmitted, true},
		{PackageStateReady, PackageStateRunning, true},
		{PackageStateRunning, PackageStateReady, true},
		{PackageStateCompleted, PackageStateValidated, true},

		{PackageState("bogus"), PackageStateReady, true},
		{PackageStateReady, PackageState("bogus"), true},
	}

	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if tt.wantErr && err == nil {
			t.Errorf("expected %s -> %s to be rejected", tt.from, tt.to)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("expected %s -> %s to be allowed, got %v", tt.from, tt.to, err)
		}
	}
}

// TestSuccessPathNext checks the one-step successor walk.
func TestSuccessPathNext(t *testing.T) {
	state := PackageStateDraft
	steps := 0
	for state != PackageStateClosed {
		next, err := state.Next()
		if err != nil {
			t.Fatalf("no successor for %s: %v", state, err)
		}
		if next.Rank() != state.Rank()+1 {
			t.Errorf("successor of %s skips: got %s", state, next)
		}
		state = next
		steps++
	}
	if steps != 9 {
		t.Errorf("expected 9 steps draft -> closed, got %d", steps)
	}

	if _, err := PackageStateClosed.Next(); err == nil {
		t.Error("expected closed to have no successor")
	}
	if _, err := PackageStateFailed.Next(); err == nil {
		t.Error("expected failed to have no successor on the success path")
	}
}

// TestStateHelpers checks terminality and executor-waiting classification.
func TestStateHelpers(t *testing.T) {
	if !PackageStateClosed.IsTerminal() || !PackageStateFailed.IsTerminal() {
		t.Error("closed and failed must be terminal")
	}
	if PackageStateRunning.IsTerminal() {
		t.Error("running must not be terminal")
	}

	awaiting := []PackageState{PackageStateSubmitted, PackageStateAccepted, PackageStateQueued, PackageStateRunning}
	for _, s := range awaiting {
		if !s.AwaitingExecutor() {
			t.Errorf("%s should be awaiting the executor", s)
		}
	}
	for _, s := range []PackageState{PackageStateDraft, PackageStateReady, PackageStateCompleted, PackageStateClosed} {
		if s.AwaitingExecutor() {
			t.Errorf("%s should not be awaiting the executor", s)
		}
	}
}

// TestHandoffStatusPackageStateFor checks the executor-status mapping.
func TestHandoffStatusPackageStateFor(t *testing.T) {
	tests := []struct {
		status HandoffStatus
		want   PackageState
	}{
		{HandoffStatusPending, PackageStateSubmitted},
		{HandoffStatusSubmitted, PackageStateSubmitted},
		{HandoffStatusAccepted, PackageStateAccepted},
		{HandoffStatusQueued, PackageStateQueued},
		{HandoffStatusRunning, PackageStateRunning},
		// completed maps to running; the officer performs V1 before
		// moving the package to completed.
		{HandoffStatusCompleted, PackageStateRunning},
	}
	for _, tt := range tests {
		if got := tt.status.PackageStateFor(); got != tt.want {
			t.Errorf("PackageStateFor(%s) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

// TestPackageIDConvention checks the canonical id format.
func TestPackageIDConvention(t *testing.T) {
	if got := PackageID("acme-corp", 3); got != "pkg-acme-corp-v3" {
		t.Errorf("unexpected package id: %s", got)
	}
}
