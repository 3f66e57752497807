package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps one table per peer ledger, named ledger_<peer>.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// TableName returns the quoted table identifier holding peer's ledger. The
// peer id keeps its case so ids differing only in case get distinct tables.
func TableName(peer string) string {
	return pgx.Identifier{"ledger_" + peer}.Sanitize()
}

// EnsureLedger creates the peer table if it does not exist.
func (p *Postgres) EnsureLedger(ctx context.Context, peer string) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			row_id BIGINT PRIMARY KEY,
			received_at TIMESTAMPTZ DEFAULT NOW()
		)`, TableName(peer)))
	if err != nil {
		return fmt.Errorf("create ledger %s: %w", peer, err)
	}
	return nil
}

func (p *Postgres) Insert(ctx context.Context, peer string, ids ...uint64) error {
	if len(ids) == 0 {
		return nil
	}
	vals := make([]int64, 0, len(ids))
	for _, id := range ids {
		v, err := toBigint(id)
		if err != nil {
			return err
		}
		vals = append(vals, v)
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (row_id) SELECT unnest($1::bigint[]) ON CONFLICT (row_id) DO NOTHING`,
		TableName(peer)), vals)
	return err
}

func (p *Postgres) LastID(ctx context.Context, peer string) (uint64, error) {
	var last int64
	err := p.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT COALESCE(MAX(row_id), 0) FROM %s`, TableName(peer))).Scan(&last)
	if err != nil {
		return 0, err
	}
	return uint64(last), nil
}

func (p *Postgres) CountInRange(ctx context.Context, peer string, start, end uint64) (uint64, error) {
	lo, hi, err := bigintRange(start, end)
	if err != nil {
		return 0, err
	}
	var n int64
	err = p.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE row_id >= $1 AND row_id <= $2`, TableName(peer)),
		lo, hi).Scan(&n)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (p *Postgres) RowsInRange(ctx context.Context, peer string, start, end uint64, limit int) ([]uint64, error) {
	lo, hi, err := bigintRange(start, end)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		`SELECT row_id FROM %s WHERE row_id >= $1 AND row_id <= $2 ORDER BY row_id LIMIT $3`,
		TableName(peer)), lo, hi, limit)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	return out, nil
}

func toBigint(id uint64) (int64, error) {
	if id > math.MaxInt64 {
		return 0, fmt.Errorf("row id %d overflows bigint", id)
	}
	return int64(id), nil
}

// bigintRange clamps end to the bigint domain; start must fit.
func bigintRange(start, end uint64) (int64, int64, error) {
	lo, err := toBigint(start)
	if err != nil {
		return 0, 0, err
	}
	if end > math.MaxInt64 {
		end = math.MaxInt64
	}
	return lo, int64(end), nil
}
