package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// FillStore implements domain.FillLog using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

const fillSelectCols = `id, intent_id, asset, side, outcome, size, price, fee,
	strategy, fair_value, edge, kelly_fraction, realized_pnl, filled_at`

const fillInsert = `
	INSERT INTO fills (
		id, intent_id, asset, side, outcome, size, price, fee,
		strategy, fair_value, edge, kelly_fraction, realized_pnl, filled_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8,
		$9, $10, $11, $12, $13, $14
	)
	ON CONFLICT (id) DO NOTHING`

func fillArgs(r domain.FillRecord) []any {
	return []any{
		r.ID, r.IntentID, string(r.Asset), string(r.Side), int16(r.Outcome),
		r.Size, r.Price, r.Fee,
		string(r.Strategy), r.FairValue, r.Edge, r.KellyFraction, r.RealizedPnL,
		r.FilledAt,
	}
}

func scanFillRows(rows pgx.Rows) ([]domain.FillRecord, error) {
	var recs []domain.FillRecord
	for rows.Next() {
		var r domain.FillRecord
		var asset, side, strategy string
		var outcome int16
		if err := rows.Scan(
			&r.ID, &r.IntentID, &asset, &side, &outcome,
			&r.Size, &r.Price, &r.Fee,
			&strategy, &r.FairValue, &r.Edge, &r.KellyFraction, &r.RealizedPnL,
			&r.FilledAt,
		); err != nil {
			return nil, err
		}
		r.Asset = domain.Asset(asset)
		r.Side = domain.Side(side)
		r.Outcome = domain.Outcome(outcome)
		r.Strategy = domain.Strategy(strategy)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Append inserts one fill. Replayed fills with a known ID are skipped.
func (s *FillStore) Append(ctx context.Context, rec domain.FillRecord) error {
	if _, err := s.pool.Exec(ctx, fillInsert, fillArgs(rec)...); err != nil {
		return fmt.Errorf("postgres: append fill %s: %w", rec.ID, err)
	}
	return nil
}

// AppendBatch inserts several fills in one round trip using pgx Batch.
func (s *FillStore) AppendBatch(ctx context.Context, recs []domain.FillRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(fillInsert, fillArgs(r)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: append fill batch [%d]: %w", i, err)
		}
	}
	return nil
}

// List returns the fills of asset, newest first.
func (s *FillStore) List(ctx context.Context, asset domain.Asset, opts domain.ListOpts) ([]domain.FillRecord, error) {
	query, args := listQuery(
		`SELECT `+fillSelectCols+` FROM fills WHERE asset = $1`,
		"filled_at", []any{string(asset)}, opts,
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills %s: %w", asset, err)
	}
	defer rows.Close()

	recs, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills %s: %w", asset, err)
	}
	return recs, nil
}

// RealizedSince sums realized P&L of asset's fills at or after since.
func (s *FillStore) RealizedSince(ctx context.Context, asset domain.Asset, since time.Time) (float64, error) {
	const query = `SELECT COALESCE(SUM(realized_pnl), 0) FROM fills WHERE asset = $1 AND filled_at >= $2`

	var total float64
	if err := s.pool.QueryRow(ctx, query, string(asset), since).Scan(&total); err != nil {
		return 0, fmt.Errorf("postgres: realized since %s: %w", asset, err)
	}
	return total, nil
}

// Compile-time interface check.
var _ domain.FillLog = (*FillStore)(nil)
