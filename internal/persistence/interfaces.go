// Package persistence defines the optional decision-history store. The
// evaluation path never depends on it; history writes ride behind a
// circuit breaker so a flaky database cannot stall a cycle.
package persistence

import (
	"context"
	"time"
)

// Decision is one evaluation cycle's outcome, flattened for storage.
type Decision struct {
	CycleID       string        `db:"cycle_id" json:"cycle_id"`
	At            time.Time     `db:"ts" json:"at"`
	SchemaVersion string        `db:"schema_version" json:"schema_version"`
	ActiveRegimes []string      `db:"-" json:"active_regimes"`
	StrategySetID string        `db:"strategy_set_id" json:"strategy_set_id"`
	SignalCount   int           `db:"signal_count" json:"signal_count"`
	Elapsed       time.Duration `db:"-" json:"elapsed"`
}

// DecisionRepo stores and queries cycle decisions.
type DecisionRepo interface {
	// Insert records one cycle decision.
	Insert(ctx context.Context, d Decision) error

	// Latest returns the most recent decision, or nil when none exist.
	Latest(ctx context.Context) (*Decision, error)

	// Range returns decisions within [from, to], newest first, capped at
	// limit.
	Range(ctx context.Context, from, to time.Time, limit int) ([]Decision, error)
}
