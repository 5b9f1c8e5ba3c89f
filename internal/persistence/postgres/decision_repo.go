// Package postgres implements the decision-history repository on
// PostgreSQL via sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/quantlab/regimeflow/internal/persistence"
)

const defaultTimeout = 5 * time.Second

// Connect opens the database with exponential backoff so a service start
// can ride out a database that is still coming up.
func Connect(ctx context.Context, dsn string, log zerolog.Logger) (*sqlx.DB, error) {
	var db *sqlx.DB
	operation := func() error {
		var err error
		db, err = sqlx.ConnectContext(ctx, "postgres", dsn)
		if err != nil {
			log.Warn().Err(err).Msg("database connect failed, retrying")
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return db, nil
}

// decisionRepo implements persistence.DecisionRepo. All calls go through a
// circuit breaker: once the database misbehaves, writes are shed for the
// breaker's timeout instead of adding latency to every cycle.
type decisionRepo struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	log     zerolog.Logger
}

func NewDecisionRepo(db *sqlx.DB, log zerolog.Logger) persistence.DecisionRepo {
	l := log.With().Str("component", "persistence").Logger()
	settings := gobreaker.Settings{
		Name:        "decision-history",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("history breaker state change")
		},
	}
	return &decisionRepo{
		db:      db,
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: defaultTimeout,
		log:     l,
	}
}

func (r *decisionRepo) Insert(ctx context.Context, d persistence.Decision) error {
	_, err := r.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		regimesJSON, err := json.Marshal(d.ActiveRegimes)
		if err != nil {
			return nil, fmt.Errorf("marshaling active regimes: %w", err)
		}

		query := `
			INSERT INTO cycle_decisions
			(cycle_id, ts, schema_version, active_regimes, strategy_set_id, signal_count, elapsed_us)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (cycle_id) DO NOTHING`

		_, err = r.db.ExecContext(ctx, query,
			d.CycleID, d.At, d.SchemaVersion, regimesJSON,
			nullable(d.StrategySetID), d.SignalCount, d.Elapsed.Microseconds())
		if err != nil {
			return nil, fmt.Errorf("inserting cycle decision: %w", err)
		}
		return nil, nil
	})
	return err
}

func (r *decisionRepo) Latest(ctx context.Context) (*persistence.Decision, error) {
	out, err := r.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		query := `
			SELECT cycle_id, ts, schema_version, active_regimes, strategy_set_id, signal_count, elapsed_us
			FROM cycle_decisions
			ORDER BY ts DESC
			LIMIT 1`

		row := r.db.QueryRowxContext(ctx, query)
		d, err := scanDecision(row)
		if errors.Is(err, sql.ErrNoRows) {
			return (*persistence.Decision)(nil), nil
		}
		if err != nil {
			return nil, fmt.Errorf("querying latest decision: %w", err)
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*persistence.Decision), nil
}

func (r *decisionRepo) Range(ctx context.Context, from, to time.Time, limit int) ([]persistence.Decision, error) {
	out, err := r.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		query := `
			SELECT cycle_id, ts, schema_version, active_regimes, strategy_set_id, signal_count, elapsed_us
			FROM cycle_decisions
			WHERE ts BETWEEN $1 AND $2
			ORDER BY ts DESC
			LIMIT $3`

		rows, err := r.db.QueryxContext(ctx, query, from, to, limit)
		if err != nil {
			return nil, fmt.Errorf("querying decision range: %w", err)
		}
		defer rows.Close()

		var decisions []persistence.Decision
		for rows.Next() {
			d, err := scanDecision(rows)
			if err != nil {
				return nil, fmt.Errorf("scanning decision row: %w", err)
			}
			decisions = append(decisions, *d)
		}
		return decisions, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out.([]persistence.Decision), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*persistence.Decision, error) {
	var (
		d           persistence.Decision
		regimesJSON []byte
		setID       sql.NullString
		elapsedUS   int64
	)
	if err := row.Scan(&d.CycleID, &d.At, &d.SchemaVersion, &regimesJSON, &setID, &d.SignalCount, &elapsedUS); err != nil {
		return nil, err
	}
	if len(regimesJSON) > 0 {
		if err := json.Unmarshal(regimesJSON, &d.ActiveRegimes); err != nil {
			return nil, fmt.Errorf("unmarshaling active regimes: %w", err)
		}
	}
	d.StrategySetID = setID.String
	d.Elapsed = time.Duration(elapsedUS) * time.Microsecond
	return &d, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
