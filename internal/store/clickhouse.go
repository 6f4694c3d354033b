package store

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/logger"
	"HeavySpectra/internal/model"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

func init() {
	Register("clickhouse", func(cfg config.StoreConfig) (model.Store, error) {
		return NewClickHouse(cfg.ClickHouse)
	})
}

// Each window is stored as one header row (empty Item) plus one row per
// item. Rank is the 1-based top-k position, 0 for items outside the top-k.
// Rewriting a window inserts newer versions that ReplacingMergeTree
// collapses; reads use FINAL.
const createTableStatement = `
CREATE TABLE IF NOT EXISTS %s (
    WindowID    String,
    WindowStart DateTime64(3),
    WindowEnd   DateTime64(3),
    Generation  UInt64,
    Records     UInt64,
    Weight      UInt64,
    Item        String,
    Count       UInt64,
    Rank        UInt32,
    InsertedAt  DateTime64(9)
) ENGINE = ReplacingMergeTree(InsertedAt)
PARTITION BY toYYYYMM(WindowEnd)
ORDER BY (WindowID, Item);
`

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ClickHouse stores window results in a MergeTree table.
type ClickHouse struct {
	conn  driver.Conn
	table string
	log   *slog.Logger
}

// NewClickHouse connects and makes sure the table exists.
func NewClickHouse(cfg config.ClickHouseConfig) (*ClickHouse, error) {
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%w: invalid clickhouse table name %q", model.ErrInvalidParameters, cfg.Table)
	}
	conn, err := connectClickHouse(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to clickhouse: %w", model.ErrTransientUnavailable, err)
	}
	if err := conn.Exec(context.Background(), fmt.Sprintf(createTableStatement, cfg.Table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log := logger.WithComponent("clickhouse-store").With("table", cfg.Table)
	log.Info("connected to ClickHouse and ensured table exists")
	return &ClickHouse{conn: conn, table: cfg.Table, log: log}, nil
}

func connectClickHouse(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// windowRow is one row of the window table.
type windowRow struct {
	Item  string
	Count uint64
	Rank  uint32
}

// windowRows flattens a result into table rows: the header first, then items
// in top-k order, then the remaining items sorted by name.
func windowRows(r *model.WindowResult) []windowRow {
	rows := make([]windowRow, 0, len(r.Counts)+1)
	rows = append(rows, windowRow{})

	ranked := make(map[string]uint32, len(r.TopK))
	for i, e := range r.TopK {
		ranked[e.Item] = uint32(i + 1)
		rows = append(rows, windowRow{Item: e.Item, Count: e.Count, Rank: uint32(i + 1)})
	}
	rest := make([]string, 0, len(r.Counts))
	for item := range r.Counts {
		if _, ok := ranked[item]; !ok {
			rest = append(rest, item)
		}
	}
	slices.Sort(rest)
	for _, item := range rest {
		rows = append(rows, windowRow{Item: item, Count: r.Counts[item]})
	}
	return rows
}

func (c *ClickHouse) AppendWindow(ctx context.Context, r *model.WindowResult) error {
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO "+c.table)
	if err != nil {
		return fmt.Errorf("%w: failed to prepare batch: %w", model.ErrTransientUnavailable, err)
	}
	defer batch.Abort()

	inserted := time.Now()
	rows := windowRows(r)
	for _, row := range rows {
		err := batch.Append(
			r.WindowID,
			r.Start,
			r.End,
			r.Generation,
			r.Records,
			r.Weight,
			row.Item,
			row.Count,
			row.Rank,
			inserted,
		)
		if err != nil {
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("%w: failed to send batch: %w", model.ErrTransientUnavailable, err)
	}
	c.log.Debug("wrote window", "window_id", r.WindowID, "rows", len(rows))
	return nil
}

func (c *ClickHouse) ReadCurrentWindow(ctx context.Context) (*model.WindowResult, error) {
	var r model.WindowResult
	err := c.conn.QueryRow(ctx, fmt.Sprintf(`
		SELECT WindowID, WindowStart, WindowEnd, Generation, Records, Weight
		FROM %s FINAL
		WHERE Item = ''
		ORDER BY WindowEnd DESC
		LIMIT 1`, c.table),
	).Scan(&r.WindowID, &r.Start, &r.End, &r.Generation, &r.Records, &r.Weight)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to query latest window: %w", model.ErrTransientUnavailable, err)
	}

	rows, err := c.conn.Query(ctx, fmt.Sprintf(`
		SELECT Item, Count, Rank
		FROM %s FINAL
		WHERE WindowID = ? AND Item != ''`, c.table), r.WindowID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query window items: %w", model.ErrTransientUnavailable, err)
	}
	defer rows.Close()

	var ranked []windowRow
	r.Counts = make(map[string]uint64)
	for rows.Next() {
		var row windowRow
		if err := rows.Scan(&row.Item, &row.Count, &row.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan window item: %w", err)
		}
		r.Counts[row.Item] = row.Count
		if row.Rank > 0 {
			ranked = append(ranked, row)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading window items: %w", model.ErrTransientUnavailable, err)
	}
	r.TopK = topKFromRanks(ranked)
	return &r, nil
}

func topKFromRanks(rows []windowRow) []model.Entry {
	slices.SortFunc(rows, func(a, b windowRow) int { return int(a.Rank) - int(b.Rank) })
	out := make([]model.Entry, len(rows))
	for i, row := range rows {
		out[i] = model.Entry{Item: row.Item, Count: row.Count, Source: model.SourceExact}
	}
	return out
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
