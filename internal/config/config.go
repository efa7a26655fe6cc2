package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Capmap-core-v1/server/internal/agent/graph/nodes"
	"github.com/Capmap-core-v1/server/internal/agent/model"
	"github.com/Capmap-core-v1/server/internal/alert"
	"github.com/Capmap-core-v1/server/internal/core"
	"github.com/Capmap-core-v1/server/internal/tracer"
	"github.com/Capmap-core-v1/server/pkg/postgres"
	pkgredis "github.com/Capmap-core-v1/server/pkg/redis"
)

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"5000"`
	AllowedOrigins  string        `envconfig:"CORS_ALLOWED_ORIGINS" default:"https://capmapai.com,https://ai.capmapai.com,https://www.capmapai.com,http://localhost:4567"`
	RateLimit       int           `envconfig:"CHAT_RATE_LIMIT" default:"20"`
	RateWindow      time.Duration `envconfig:"CHAT_RATE_WINDOW" default:"1m"`
	RequestTimeout  time.Duration `envconfig:"CHAT_REQUEST_TIMEOUT" default:"5m"`
	SectorsCacheTTL time.Duration `envconfig:"SECTORS_CACHE_TTL" default:"10m"`
	SecureCookies   bool          `envconfig:"SECURE_COOKIES" default:"true"`
}

// IngestConfig names the public Google Sheets loaded by the ingest command.
type IngestConfig struct {
	SheetsBaseURL string `envconfig:"INGEST_SHEETS_BASE_URL" default:"https://docs.google.com/spreadsheets/d"`
	// Sheets is a comma separated list of table=sheetID[:gid] pairs.
	Sheets  string        `envconfig:"INGEST_SHEETS"`
	Timeout time.Duration `envconfig:"INGEST_TIMEOUT" default:"2m"`
}

// AppConfig defines all configurable parameters, sourced from environment
// variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL"`

	// Infrastructure
	Postgres postgres.Config
	Redis    pkgredis.Config

	Server ServerConfig
	Email  alert.Config
	OTEL   tracer.Config
	Ingest IngestConfig

	// LLM provider and agent configs
	LLM        model.LLMConfig
	Summarizer model.SummarizerModelConfig
	Router     model.RouterModelConfig
	Agent      model.AgentModelConfig
	Graph      model.AgentConfig
	Tools      model.ToolsConfig
	History    model.HistoryConfig
}

// Load reads .env (if present) and the process environment.
func Load() (*AppConfig, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load(".env")

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) Env() core.Environment {
	return core.ParseEnvironment(c.Environment)
}

// ChatModels returns the per-role model configuration.
func (c *AppConfig) ChatModels() nodes.ChatModelConfig {
	return nodes.ChatModelConfig{
		LLM:        c.LLM,
		Summarizer: c.Summarizer,
		Router:     c.Router,
		Agent:      c.Agent,
	}
}

// Origins splits the CORS allow-list.
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
