package engine

import (
	"context"
	"sync"
	"time"

	"github.com/opencurator/opencurator/pkg/telemetry"
)

// Machine drives package state transitions. Every transition is a single
// atomic operation: guard check, state mutation, and exactly one history
// entry. Concurrent attempts on the same package are serialized in-process
// by a per-package mutex; across processes the store's optimistic state
// check makes losers fail with ErrStaleState.
type Machine struct {
	store   Store
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	locks sync.Map // package id -> *sync.Mutex
}

// NewMachine creates a state machine over the given store.
func NewMachine(store Store, log *telemetry.Logger, metrics *telemetry.Metrics) *Machine {
	return &Machine{
		store:   store,
		log:     log.NewComponentLogger("machine"),
		metrics: metrics,
	}
}

func (m *Machine) lock(packageID string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(packageID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// WithLock runs fn while holding the package's transition lock. The sweep
// uses this to make compound read-decide-transition sequences on one
// package mutually exclusive.
func (m *Machine) WithLock(packageID string, fn func() error) error {
	mu := m.lock(packageID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Transition moves a package to a new state. The reason and metadata land
// in the history entry; upd optionally adjusts validation level, retry
// counter, or package metadata in the same transaction.
func (m *Machine) Transition(ctx context.Context, packageID string, to PackageState, reason, actor string, meta map[string]string, upd *PackageUpdate) (*Package, error) {
	mu := m.lock(packageID)
	mu.Lock()
	defer mu.Unlock()

	return m.transitionLocked(ctx, packageID, to, reason, actor, meta, upd)
}

// TransitionLocked is Transition for callers already inside WithLock.
func (m *Machine) TransitionLocked(ctx context.Context, packageID string, to PackageState, reason, actor string, meta map[string]string, upd *PackageUpdate) (*Package, error) {
	return m.transitionLocked(ctx, packageID, to, reason, actor, meta, upd)
}

func (m *Machine) transitionLocked(ctx context.Context, packageID string, to PackageState, reason, actor string, meta map[string]string, upd *PackageUpdate) (*Package, error) {
	pkg, err := m.store.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}

	from := pkg.State
	if err := ValidateTransition(from, to); err != nil {
		return nil, NewPermanentError("transition rejected", err).
			WithPackage(packageID).
			WithCode(ErrCodeInvalidTransition)
	}

	entry := &HistoryEntry{
		PackageID: packageID,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		Actor:     actor,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	}

	if err := m.store.TransitionPackage(ctx, packageID, from, to, upd, entry); err != nil {
		return nil, err
	}

	m.log.WithPackageID(packageID).
		WithField("from", string(from)).
		WithField("to", string(to)).
		Debugf("transition: %s", reason)
	m.metrics.ObserveTransition(string(from), string(to))

	pkg.State = to
	if upd != nil {
		if upd.ValidationLevel != nil {
			pkg.ValidationLevel = *upd.ValidationLevel
		}
		if upd.RetryCount != nil {
			pkg.RetryCount = *upd.RetryCount
		}
		if upd.Metadata != nil {
			pkg.Metadata = upd.Metadata
		}
	}

	// Closed packages never transition again; drop their mutex so a
	// long-running sweep process does not accumulate one per package.
	if to == PackageStateClosed {
		m.locks.Delete(packageID)
	}
	return pkg, nil
}

// ReleaseLock discards the per-package mutex. Callers use it once a
// package can no longer transition, such as a failed package with its
// resolution recorded. A stray late transition attempt still fails the
// guard and the store's optimistic state check.
func (m *Machine) ReleaseLock(packageID string) {
	m.locks.Delete(packageID)
}

// Fail routes a package to failed from any non-terminal state, recording
// the failure reason both in the history entry and in the package
// metadata so recovery can classify it on a later sweep.
func (m *Machine) Fail(ctx context.Context, pkg *Package, reason, actor string, meta map[string]string) (*Package, error) {
	mu := m.lock(pkg.ID)
	mu.Lock()
	defer mu.Unlock()

	return m.FailLocked(ctx, pkg, reason, actor, meta)
}

// FailLocked is Fail for callers already inside WithLock.
func (m *Machine) FailLocked(ctx context.Context, pkg *Package, reason, actor string, meta map[string]string) (*Package, error) {
	md := make(map[string]string, len(pkg.Metadata)+1)
	for k, v := range pkg.Metadata {
		md[k] = v
	}
	md[MetaFailureReason] = reason

	return m.transitionLocked(ctx, pkg.ID, PackageStateFailed, reason, actor, meta, &PackageUpdate{Metadata: md})
}
