package publish

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresPublisher appends one row per closed window. The table is expected to
// have a unique key on window_start_ms so a replayed result is a no-op.
type PostgresPublisher struct {
	db    *sql.DB
	query string
}

// OpenPostgres opens a lib/pq connection pool and checks it is reachable.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgresPublisher expects table to be a validated SQL identifier.
func NewPostgresPublisher(db *sql.DB, table string) *PostgresPublisher {
	return &PostgresPublisher{
		db: db,
		query: "INSERT INTO " + table +
			" (window_start_ms, closed_at, node_count, unit_count, cpu_percent, ram_percent, disk_percent, capacity_score, error_kind, snapshot)" +
			" VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) ON CONFLICT (window_start_ms) DO NOTHING",
	}
}

func (p *PostgresPublisher) Name() string { return "postgres" }

func (p *PostgresPublisher) Publish(ctx context.Context, r Result) error {
	var snap []byte
	if r.Snapshot != nil {
		b, err := json.Marshal(r.Snapshot)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		snap = b
	}

	s := r.Score
	var score sql.NullFloat64
	var kind sql.NullString
	if r.Err != nil {
		kind = sql.NullString{String: r.ErrorKind(), Valid: true}
	} else {
		score = sql.NullFloat64{Float64: s.CapacityScore, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, p.query,
		int64(s.WindowStartMs),
		s.ClosedAt,
		s.NodeCount,
		s.UnitCount,
		s.Utilization.CPU,
		s.Utilization.RAM,
		s.Utilization.Disk,
		score,
		kind,
		snap,
	)
	if err != nil {
		return fmt.Errorf("insert score row: %w", err)
	}
	return nil
}

func (p *PostgresPublisher) Close() error { return p.db.Close() }
