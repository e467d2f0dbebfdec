package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/stagecraft/pkg/types"
)

var _ Store = (*PostgresStore)(nil)

// DB is the subset of [pgxpool.Pool] used by [PostgresStore].
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Schema creates the episode journal table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS episode_journal (
    episode_id       TEXT              PRIMARY KEY,
    incident_id      TEXT              NOT NULL,
    kind             TEXT              NOT NULL,
    mechanics_mode   TEXT              NOT NULL,
    category         TEXT              NOT NULL DEFAULT '',
    amount           DOUBLE PRECISION  NOT NULL DEFAULT 0,
    resolution_mode  TEXT              NOT NULL,
    choice_id        TEXT              NOT NULL DEFAULT '',
    confidence       DOUBLE PRECISION  NOT NULL DEFAULT 0,
    notes            TEXT              NOT NULL DEFAULT '',
    vitals_delta     JSONB,
    started_at       TIMESTAMPTZ       NOT NULL,
    resolved_at      TIMESTAMPTZ       NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_episode_journal_resolved_at
    ON episode_journal (resolved_at DESC);
`

// Migrate ensures the journal table exists. It is safe to call on every
// start.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// PostgresStore is a [Store] backed by the episode_journal table.
//
// All methods are safe for concurrent use.
type PostgresStore struct {
	db   DB
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, verifies the connection and runs [Migrate].
// Call [PostgresStore.Close] to release the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{db: pool, pool: pool}, nil
}

// NewPostgresStore wraps an existing connection. The caller owns db and is
// responsible for running [Migrate].
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append implements [Store].
func (s *PostgresStore) Append(ctx context.Context, r Record) error {
	const q = `
		INSERT INTO episode_journal
		    (episode_id, incident_id, kind, mechanics_mode, category, amount,
		     resolution_mode, choice_id, confidence, notes, vitals_delta,
		     started_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (episode_id) DO NOTHING`

	var vitals []byte
	if r.VitalsDelta != nil {
		b, err := json.Marshal(r.VitalsDelta)
		if err != nil {
			return fmt.Errorf("journal: append: encode vitals: %w", err)
		}
		vitals = b
	}

	_, err := s.db.Exec(ctx, q,
		r.EpisodeID,
		r.IncidentID,
		string(r.Kind),
		string(r.MechanicsMode),
		r.Category,
		r.Amount,
		string(r.ResolutionMode),
		r.ChoiceID,
		r.Confidence,
		r.Notes,
		vitals,
		r.StartedAt,
		r.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// Recent implements [Store]. n <= 0 returns every record.
func (s *PostgresStore) Recent(ctx context.Context, n int) ([]Record, error) {
	q := `
		SELECT episode_id, incident_id, kind, mechanics_mode, category, amount,
		       resolution_mode, choice_id, confidence, notes, vitals_delta,
		       started_at, resolved_at
		FROM   episode_journal
		ORDER  BY resolved_at DESC`
	var args []any
	if n > 0 {
		q += "\n\t\tLIMIT $1"
		args = append(args, n)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	return collectRecords(rows)
}

// Close releases the pool opened by [OpenPostgres]. It is a no-op for
// stores built with [NewPostgresStore].
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			r                   Record
			kind, mode, resMode string
			vitals              []byte
		)
		if err := row.Scan(
			&r.EpisodeID,
			&r.IncidentID,
			&kind,
			&mode,
			&r.Category,
			&r.Amount,
			&resMode,
			&r.ChoiceID,
			&r.Confidence,
			&r.Notes,
			&vitals,
			&r.StartedAt,
			&r.ResolvedAt,
		); err != nil {
			return Record{}, err
		}
		r.Kind = types.IncidentKind(kind)
		r.MechanicsMode = types.MechanicsMode(mode)
		r.ResolutionMode = types.ResolutionMode(resMode)
		if len(vitals) > 0 {
			var v types.Vitals
			if err := json.Unmarshal(vitals, &v); err != nil {
				return Record{}, fmt.Errorf("decode vitals: %w", err)
			}
			r.VitalsDelta = &v
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal: scan rows: %w", err)
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}
