package ingest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	errx "github.com/Capmap-core-v1/server/internal/core/error"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

// Cast converts a loaded TEXT column to its typed form.
type Cast struct {
	Table  string
	Column string
	Type   string
	Using  string
}

// DefaultCasts are applied after loading, for tables and columns that exist.
var DefaultCasts = []Cast{
	{Table: "funding_rounds", Column: "Announced Date", Type: "date", Using: `to_date(%s, 'Mon DD, YYYY')`},
	{Table: "funding_rounds", Column: "Funds Raised", Type: "numeric", Using: `replace(replace(%s, ',', ''), '$', '')::numeric`},
	{Table: "startup_profile", Column: "Last Funding Date", Type: "date", Using: `to_date(%s, 'Mon DD, YYYY')`},
}

func (c Cast) statement() string {
	table := pgx.Identifier{c.Table}.Sanitize()
	col := pgx.Identifier{c.Column}.Sanitize()
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s",
		table, col, c.Type, fmt.Sprintf(c.Using, col))
}

// DB is the slice of pgxpool.Pool the loader needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Loader struct {
	db      DB
	fetch   Fetcher
	baseURL string
	casts   []Cast
}

func NewLoader(db DB, fetch Fetcher, baseURL string) *Loader {
	return &Loader{db: db, fetch: fetch, baseURL: baseURL, casts: DefaultCasts}
}

// Load replaces each sheet's table with the current export. Each table is
// swapped in its own transaction so one bad sheet leaves the rest loaded.
func (l *Loader) Load(ctx context.Context, sheets []Sheet) error {
	var failed []string
	for _, s := range sheets {
		start := time.Now()
		n, err := l.loadSheet(ctx, s)
		if err != nil {
			logx.Error().Err(err).Str("table", s.Table).Msg("Failed to load sheet")
			failed = append(failed, s.Table)
			continue
		}
		logx.Info().Str("table", s.Table).Int64("rows", n).Dur("took", time.Since(start)).Msg("Loaded sheet")
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to load tables: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (l *Loader) loadSheet(ctx context.Context, s Sheet) (int64, error) {
	body, err := l.fetch.Fetch(ctx, s.ExportURL(l.baseURL))
	if err != nil {
		return 0, err
	}
	t, err := ParseCSV(body)
	if err != nil {
		return 0, err
	}

	var copied int64
	err = pgx.BeginFunc(ctx, l.db, func(tx pgx.Tx) error {
		for _, stmt := range replaceTableStatements(s.Table, t.Columns) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{s.Table}, t.Columns, pgx.CopyFromRows(t.Rows))
		if err != nil {
			return fmt.Errorf("copy rows: %w", err)
		}
		copied = n

		for _, c := range l.castsFor(s.Table, t.Columns) {
			if _, err := tx.Exec(ctx, c.statement()); err != nil {
				return fmt.Errorf("cast %s.%s: %w", c.Table, c.Column, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, errx.WrapPostgres(err)
	}
	return copied, nil
}

func (l *Loader) castsFor(table string, columns []string) []Cast {
	var out []Cast
	for _, c := range l.casts {
		if c.Table == table && slices.Contains(columns, c.Column) {
			out = append(out, c)
		}
	}
	return out
}

func replaceTableStatements(table string, columns []string) []string {
	name := pgx.Identifier{table}.Sanitize()
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = pgx.Identifier{c}.Sanitize() + " TEXT"
	}
	return []string{
		"DROP TABLE IF EXISTS " + name,
		fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(cols, ", ")),
	}
}
