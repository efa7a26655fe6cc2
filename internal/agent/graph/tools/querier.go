package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	errx "github.com/Capmap-core-v1/server/internal/core/error"
)

// Row is one result record as handed to the model.
type Row = map[string]any

// Querier runs SQL on behalf of the tools. Implementations acquire and release
// a connection per call.
type Querier interface {
	// Query runs a parameterised statement. Dynamic identifiers must already
	// come from an allow-list.
	Query(ctx context.Context, sql string, args ...any) ([]Row, error)
	// QueryReadOnly runs model-authored SQL inside a read-only transaction
	// with a statement timeout.
	QueryReadOnly(ctx context.Context, sql string) ([]Row, error)
}

var ErrEmptyQuery = errors.New("query is empty")

type PgxQuerier struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	maxRows int
}

func NewPgxQuerier(pool *pgxpool.Pool, timeout time.Duration, maxRows int) *PgxQuerier {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxRows <= 0 {
		maxRows = 200
	}
	return &PgxQuerier{pool: pool, timeout: timeout, maxRows: maxRows}
}

func (q *PgxQuerier) Query(ctx context.Context, sql string, args ...any) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	rows, err := q.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	out, err := collectRows(rows, q.maxRows)
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	return out, nil
}

func (q *PgxQuerier) QueryReadOnly(ctx context.Context, sql string) (out []Row, err error) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return nil, ErrEmptyQuery
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	// read-only: nothing to commit
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", q.timeout.Milliseconds())); err != nil {
		return nil, errx.WrapPostgres(err)
	}

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, q.maxRows)
}

// collectRows reads at most max rows and closes the result set, so an
// unbounded model query is never materialised past the cap.
func collectRows(rows pgx.Rows, max int) ([]Row, error) {
	defer rows.Close()

	out := make([]Row, 0, min(max, 64))
	for len(out) < max && rows.Next() {
		r, err := pgx.RowToMap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Querier = (*PgxQuerier)(nil)
