package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Capmap-core-v1/server/internal/agent/graph"
	"github.com/Capmap-core-v1/server/internal/agent/model"
	"github.com/Capmap-core-v1/server/internal/config"
	"github.com/Capmap-core-v1/server/internal/core"
	errx "github.com/Capmap-core-v1/server/internal/core/error"
	"github.com/Capmap-core-v1/server/internal/metrics"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

// SectorCatalog lists the sector vocabularies exposed by /api/sectors.
type SectorCatalog interface {
	Sectors(ctx context.Context) ([]string, error)
	Subsectors(ctx context.Context) ([]string, error)
}

// HistoryReader is the read side of the history manager.
type HistoryReader interface {
	GetHistory(ctx context.Context, sessionID string, limit int) []model.Turn
}

// Deps are the collaborators the HTTP layer needs. Redis and Gatherer are optional.
type Deps struct {
	Config      config.ServerConfig
	Environment core.Environment
	Runner      graph.Runner
	History     HistoryReader
	Catalog     SectorCatalog
	Alerter     model.Alerter
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Redis       redis.UniversalClient
}

type Server struct {
	app  *fiber.App
	cfg  config.ServerConfig
	deps Deps
}

func New(deps Deps) *Server {
	if deps.Alerter == nil {
		deps.Alerter = model.NopAlerter{}
	}

	app := fiber.New(fiber.Config{
		AppName:               core.ServiceName,
		DisableStartupMessage: true,
		BodyLimit:             1 * 1024 * 1024,
		ErrorHandler:          errorHandler,
	})

	// fiber refuses credentials with a wildcard origin.
	origins := strings.Join(deps.Config.Origins(), ",")
	if origins == "" {
		origins = "*"
	}

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowCredentials: origins != "*",
		AllowHeaders:     "Origin, Content-Type, Accept, X-Session-ID",
		AllowMethods:     "GET, POST, PATCH, OPTIONS",
		ExposeHeaders:    "Content-Length, Content-Type, X-Session-ID",
	}))
	app.Use(otelfiber.Middleware())
	app.Use(requestLogger(deps.Metrics))

	s := &Server{app: app, cfg: deps.Config, deps: deps}
	s.registerRoutes()
	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Run() error {
	logx.Info().Str("port", s.cfg.Port).Msg("Server is running")
	return s.app.Listen(":" + s.cfg.Port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	h := newHandler(s.deps)

	chatLimiter := limiter.New(limiter.Config{
		Max:        s.cfg.RateLimit,
		Expiration: s.cfg.RateWindow,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"reply":        "Too many requests. Please wait a moment and try again.",
				"options_data": nil,
			})
		},
		Storage: limiterStorage(s.deps.Redis),
	})

	s.app.Get("/health", h.Health)
	s.app.Post("/chat", chatLimiter, h.Chat)
	s.app.Post("/chat-stream", chatLimiter, h.ChatStream)

	api := s.app.Group("/api")
	api.Get("/history", h.History)
	api.Get("/vote", h.GetVotes)
	api.Patch("/vote", h.Vote)
	api.Get("/sectors", h.Sectors)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func limiterStorage(rdb redis.UniversalClient) fiber.Storage {
	if rdb == nil {
		return nil // fiber falls back to in-memory storage
	}
	return NewRedisStorage(rdb, "ratelimit:")
}

func requestLogger(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// Let the error handler set the status before it is recorded.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		path := c.Route().Path
		elapsed := time.Since(start)
		m.ObserveRequest(c.Method(), path, strconv.Itoa(status), elapsed)

		ev := logx.Info()
		if status >= http.StatusInternalServerError {
			ev = logx.Error()
		}
		ev.Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("latency", elapsed).
			Str("ip", c.IP()).
			Msg("HTTP request")
		return nil
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := errx.SystemErrorMessage

	var fe *fiber.Error
	var appErr *errx.AppError
	switch {
	case errors.As(err, &fe):
		code, msg = fe.Code, fe.Message
	case errors.As(err, &appErr):
		code, msg = errx.StatusOf(err, code), appErr.Message
	}
	if code >= http.StatusInternalServerError {
		logx.Error().Err(err).Str("path", c.Path()).Msg("Unhandled request error")
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}
