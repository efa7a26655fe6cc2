package commands

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/Capmap-core-v1/server/internal/agent/graph"
	"github.com/Capmap-core-v1/server/internal/agent/graph/conversations"
	"github.com/Capmap-core-v1/server/internal/agent/graph/tools"
	"github.com/Capmap-core-v1/server/internal/agent/model"
	"github.com/Capmap-core-v1/server/internal/agent/repo"
	"github.com/Capmap-core-v1/server/internal/alert"
	"github.com/Capmap-core-v1/server/internal/config"
	"github.com/Capmap-core-v1/server/internal/core"
	"github.com/Capmap-core-v1/server/internal/metrics"
	"github.com/Capmap-core-v1/server/internal/tracer"
	"github.com/Capmap-core-v1/server/pkg/postgres"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

// app bundles the long-lived dependencies shared by serve and ask.
type app struct {
	cfg      *config.AppConfig
	pool     *pgxpool.Pool
	rdb      *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	alerter  model.Alerter
	history  *conversations.MessagesManager
	catalog  *tools.Catalog
	runner   graph.Runner

	shutdownTracer func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.AppConfig) (*app, error) {
	a := &app{cfg: cfg}
	a.shutdownTracer = tracer.InitTracer(ctx, cfg.OTEL, core.ServiceName, core.Version)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewMetrics(a.registry)

	pool, err := cfg.Postgres.New(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.pool = pool

	db, err := postgres.NewGorm(pool)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	pgStore := repo.NewPostgresSessionStore(db)
	if err := pgStore.EnsureSchema(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	var store model.SessionStore = pgStore
	if cfg.Redis.Enabled() {
		rdb, err := cfg.Redis.New()
		if err != nil {
			logx.Warn().Err(err).Msg("Redis unavailable; history cache and shared rate limits disabled")
		} else {
			a.rdb = rdb
			store = repo.NewCachedSessionStore(pgStore, rdb, cfg.History.CacheTTL, cfg.History.CacheMaxTurns)
		}
	}
	a.history = conversations.NewMessagesManager(store, cfg.History, a.metrics)
	a.alerter = alert.New(cfg.Email, cfg.Env().String(), a.metrics)

	querier := tools.NewPgxQuerier(pool, cfg.Tools.QueryTimeout, cfg.Tools.MaxRows)
	a.catalog = tools.NewCatalog(querier)

	runner, err := graph.BuildResponseGraph(ctx, graph.Config{
		Models: cfg.ChatModels(),
		Agent:  cfg.Graph,
		Tools: tools.Deps{
			Querier:          querier,
			Search:           tools.NewTavilyClient(cfg.Tools.TavilyAPIKey, cfg.Tools.TavilyBaseURL, cfg.Tools.TavilyTimeout),
			SearchMaxResults: cfg.Tools.TavilyMaxResults,
		},
		History: a.history,
		Alerter: a.alerter,
		Metrics: a.metrics,
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("build graph: %w", err)
	}
	a.runner = runner
	return a, nil
}

// Close releases everything newApp acquired. Safe on a partial app.
func (a *app) Close(ctx context.Context) {
	if m, ok := a.alerter.(*alert.Mailer); ok {
		m.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			logx.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdownTracer != nil {
		if err := a.shutdownTracer(ctx); err != nil {
			logx.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
}
