package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config describes the shared connection pool. Tools, the history store and
// the ingest command all draw from the same pool.
type Config struct {
	URL             string `split_words:"true" required:"true"`
	MaxConns        int32  `split_words:"true" default:"10"`
	MinConns        int32  `split_words:"true" default:"1"`
	MaxConnLifetime int    `split_words:"true" default:"3600"`
	ConnectTimeout  int    `split_words:"true" default:"5"`
}

func (c *Config) New(ctx context.Context) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, err
	}
	if c.MaxConns > 0 {
		poolCfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		poolCfg.MinConns = c.MinConns
	}
	poolCfg.MaxConnLifetime = time.Duration(c.MaxConnLifetime) * time.Second
	poolCfg.ConnConfig.ConnectTimeout = time.Duration(c.ConnectTimeout) * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, poolCfg.ConnConfig.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (c *Config) MustNew(ctx context.Context) *pgxpool.Pool {
	pool, err := c.New(ctx)
	if err != nil {
		panic(err)
	}
	return pool
}

// NewGorm opens a gorm handle on top of an existing pool so ORM and raw pgx
// queries share connections.
func NewGorm(pool *pgxpool.Pool) (*gorm.DB, error) {
	sqlDB := stdlib.OpenDBFromPool(pool)
	return gorm.Open(gormpg.New(gormpg.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
}
