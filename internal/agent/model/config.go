package model

import "time"

// ================ LLM ================
type LLMConfig struct {
	Provider          string `envconfig:"LLM_PROVIDER" default:"gemini"`
	GeminiAPIKey      string `envconfig:"GEMINI_API_KEY"`
	GeminiBaseURL     string `envconfig:"GEMINI_BASE_URL"`
	OpenRouterAPIKey  string `envconfig:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL string `envconfig:"OPENROUTER_BASE_URL" default:"https://openrouter.ai/api/v1"`
	RequestTimeout    string `envconfig:"LLM_REQUEST_TIMEOUT" default:"90s"`
}

type SummarizerModelConfig struct {
	Model       string  `envconfig:"SUMMARIZER_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"SUMMARIZER_MAX_TOKENS" default:"1024"`
	Temperature float32 `envconfig:"SUMMARIZER_TEMPERATURE" default:"0"`
}

type RouterModelConfig struct {
	Model       string  `envconfig:"ROUTER_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"ROUTER_MAX_TOKENS" default:"256"`
	Temperature float32 `envconfig:"ROUTER_TEMPERATURE" default:"0"`
}

type AgentModelConfig struct {
	Model       string  `envconfig:"AGENT_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"AGENT_MAX_TOKENS" default:"4096"`
	Temperature float32 `envconfig:"AGENT_TEMPERATURE" default:"0.2"`
}

// ================ Orchestration ================
type AgentConfig struct {
	MemoryMaxTurns     int `envconfig:"MEMORY_MAX_TURNS" default:"10"`
	HistoryFetchLimit  int `envconfig:"HISTORY_FETCH_LIMIT" default:"20"`
	MaxParallelTools   int `envconfig:"AGENT_MAX_PARALLEL_TOOLS" default:"2"`
	GeneralMaxSteps    int `envconfig:"GENERAL_MAX_STEPS" default:"10"`
	RankingMaxSteps    int `envconfig:"RANKING_MAX_STEPS" default:"10"`
	ReasoningMaxSteps  int `envconfig:"REASONING_MAX_STEPS" default:"12"`
	PredictionMaxSteps int `envconfig:"PREDICTION_MAX_STEPS" default:"15"`
	FinalMaxSteps      int `envconfig:"FINAL_MAX_STEPS" default:"4"`
}

// ================ Tools ================
type ToolsConfig struct {
	QueryTimeout     time.Duration `envconfig:"TOOL_QUERY_TIMEOUT" default:"15s"`
	MaxRows          int           `envconfig:"TOOL_MAX_ROWS" default:"200"`
	TavilyAPIKey     string        `envconfig:"TAVILY_API_KEY"`
	TavilyBaseURL    string        `envconfig:"TAVILY_BASE_URL" default:"https://api.tavily.com"`
	TavilyMaxResults int           `envconfig:"TAVILY_MAX_RESULTS" default:"5"`
	TavilyTimeout    time.Duration `envconfig:"TAVILY_TIMEOUT" default:"20s"`
}

// ================ Persistence ================
type HistoryConfig struct {
	MaxTries      uint          `envconfig:"HISTORY_RETRY_MAX_TRIES" default:"3"`
	ReadBackoff   time.Duration `envconfig:"HISTORY_READ_BACKOFF" default:"1s"`
	WriteBackoff  time.Duration `envconfig:"HISTORY_WRITE_BACKOFF" default:"2s"`
	CacheTTL      time.Duration `envconfig:"HISTORY_CACHE_TTL" default:"15m"`
	CacheMaxTurns int           `envconfig:"HISTORY_CACHE_MAX_TURNS" default:"50"`
}
