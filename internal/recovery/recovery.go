// Package recovery restores WaffleCafe's durable work after a restart and on
// every maintenance tick.
//
// Components register a Recoverable with the RecoveryManager; RecoverAll runs
// each of them against a shared registry and keeps going when one fails.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// RecoverState restores the component's durable work.
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store store.Backend
	now   func() time.Time
}

// NewRecoveryRegistry creates a new recovery registry. A nil clock uses time.Now.
func NewRecoveryRegistry(st store.Backend, now func() time.Time) *RecoveryRegistry {
	if now == nil {
		now = time.Now
	}
	return &RecoveryRegistry{store: st, now: now}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.Backend {
	return r.store
}

// Now returns the registry clock.
func (r *RecoveryRegistry) Now() time.Time {
	return r.now()
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(st store.Backend, now func() time.Time) *RecoveryManager {
	return &RecoveryManager{
		registry:     NewRecoveryRegistry(st, now),
		recoverables: make([]Recoverable, 0),
	}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Debug("RecoveryManager.RecoverAll: starting", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "component", recoverable.Name(), "error", err)
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Debug("RecoveryManager.RecoverAll: completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}

// GetRegistry provides access to the recovery registry
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
