package store

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/logger"
	"HeavySpectra/internal/model"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

func init() {
	Register("postgres", func(cfg config.StoreConfig) (model.Store, error) {
		return NewPostgres(cfg.Postgres)
	})
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS hh_windows (
		window_id   TEXT PRIMARY KEY,
		start_at    TIMESTAMPTZ NOT NULL,
		end_at      TIMESTAMPTZ NOT NULL,
		generation  BIGINT NOT NULL,
		records     BIGINT NOT NULL,
		weight      BIGINT NOT NULL,
		top_k       JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS hh_windows_end_at ON hh_windows (end_at DESC)`,
	`CREATE TABLE IF NOT EXISTS hh_window_counts (
		window_id TEXT NOT NULL REFERENCES hh_windows (window_id) ON DELETE CASCADE,
		item      TEXT NOT NULL,
		count     BIGINT NOT NULL,
		PRIMARY KEY (window_id, item)
	)`,
}

const upsertWindow = `
INSERT INTO hh_windows (window_id, start_at, end_at, generation, records, weight, top_k)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (window_id) DO UPDATE SET
	start_at = EXCLUDED.start_at,
	end_at = EXCLUDED.end_at,
	generation = EXCLUDED.generation,
	records = EXCLUDED.records,
	weight = EXCLUDED.weight,
	top_k = EXCLUDED.top_k`

// Postgres stores window metadata in hh_windows and the exact counts in
// hh_window_counts. Counts are bulk-loaded with COPY.
type Postgres struct {
	db  *sql.DB
	log *slog.Logger
}

func NewPostgres(cfg config.PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging postgres: %w", model.ErrTransientUnavailable, err)
	}
	for _, stmt := range postgresSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	log := logger.WithComponent("postgres-store")
	log.Info("connected to postgres and ensured schema", "host", cfg.Host, "database", cfg.Database)
	return &Postgres{db: db, log: log}, nil
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// AppendWindow upserts the window row and replaces its counts in one
// transaction.
func (p *Postgres) AppendWindow(ctx context.Context, r *model.WindowResult) error {
	topK, err := json.Marshal(r.TopK)
	if err != nil {
		return fmt.Errorf("encoding top-k: %w", err)
	}
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertWindow,
			r.WindowID, r.Start, r.End, int64(r.Generation), int64(r.Records), int64(r.Weight), topK,
		); err != nil {
			return fmt.Errorf("upserting window: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM hh_window_counts WHERE window_id = $1`, r.WindowID); err != nil {
			return fmt.Errorf("clearing window counts: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("hh_window_counts", "window_id", "item", "count"))
		if err != nil {
			return fmt.Errorf("preparing copy: %w", err)
		}
		for item, n := range r.Counts {
			if _, err := stmt.ExecContext(ctx, r.WindowID, item, int64(n)); err != nil {
				stmt.Close()
				return fmt.Errorf("copying count for %q: %w", item, err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("flushing copy: %w", err)
		}
		return stmt.Close()
	})
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrTransientUnavailable, err)
	}
	p.log.Debug("wrote window", "window_id", r.WindowID, "items", len(r.Counts))
	return nil
}

func (p *Postgres) ReadCurrentWindow(ctx context.Context) (*model.WindowResult, error) {
	var (
		r                           model.WindowResult
		generation, records, weight int64
		topK                        []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT window_id, start_at, end_at, generation, records, weight, top_k
		FROM hh_windows
		ORDER BY end_at DESC
		LIMIT 1`,
	).Scan(&r.WindowID, &r.Start, &r.End, &generation, &records, &weight, &topK)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying latest window: %w", model.ErrTransientUnavailable, err)
	}
	r.Generation, r.Records, r.Weight = uint64(generation), uint64(records), uint64(weight)
	if err := json.Unmarshal(topK, &r.TopK); err != nil {
		return nil, fmt.Errorf("decoding top-k of window %s: %w", r.WindowID, err)
	}

	rows, err := p.db.QueryContext(ctx, `SELECT item, count FROM hh_window_counts WHERE window_id = $1`, r.WindowID)
	if err != nil {
		return nil, fmt.Errorf("%w: querying window counts: %w", model.ErrTransientUnavailable, err)
	}
	defer rows.Close()

	r.Counts = make(map[string]uint64)
	for rows.Next() {
		var (
			item string
			n    int64
		)
		if err := rows.Scan(&item, &n); err != nil {
			return nil, fmt.Errorf("scanning window count: %w", err)
		}
		r.Counts[item] = uint64(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading window counts: %w", model.ErrTransientUnavailable, err)
	}
	return &r, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
