// Package admin provides operator endpoints for escrows that need a human:
// halted instances, on-demand deadline sweeps and reconciliation runs.
package admin

import (
	"context"

	"github.com/mbd888/fortiescrow/internal/escrow"
	"github.com/mbd888/fortiescrow/internal/reconciliation"
)

// HaltRegistry lists and lifts halts on escrow instances.
type HaltRegistry interface {
	HaltedInstances() []escrow.HaltedInstance
	Unhalt(id string) bool
}

// Sweeper force-refunds one batch of expired escrows.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// ReconciliationRunner compares escrow balances with the ledger.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}
