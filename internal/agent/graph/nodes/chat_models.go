package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/Capmap-core-v1/server/internal/agent/model"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

const (
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	LLM        model.LLMConfig
	Summarizer model.SummarizerModelConfig
	Router     model.RouterModelConfig
	Agent      model.AgentModelConfig
}

// ChatModels holds one model per role. Agent is shared by every domain agent
// and the final agent; each binds its own tool set.
type ChatModels struct {
	Summarizer einomodel.ToolCallingChatModel
	Router     einomodel.ToolCallingChatModel
	Agent      einomodel.ToolCallingChatModel

	SummarizerModelName string
	RouterModelName     string
	AgentModelName      string
}

type roleSpec struct {
	role        string
	model       string
	temperature float32
	maxTokens   int
}

// NewChatModels creates the role models for the configured provider.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	specs := []roleSpec{
		{"summarizer", config.Summarizer.Model, config.Summarizer.Temperature, config.Summarizer.MaxTokens},
		{"router", config.Router.Model, config.Router.Temperature, config.Router.MaxTokens},
		{"agent", config.Agent.Model, config.Agent.Temperature, config.Agent.MaxTokens},
	}

	var build func(roleSpec) (einomodel.ToolCallingChatModel, error)
	switch strings.ToLower(config.LLM.Provider) {
	case ProviderGemini, "":
		b, err := geminiBuilder(ctx, config.LLM)
		if err != nil {
			return nil, err
		}
		build = b
	case ProviderOpenRouter, "openai":
		build = openRouterBuilder(ctx, config.LLM)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", config.LLM.Provider)
	}

	built := make([]einomodel.ToolCallingChatModel, len(specs))
	for i, s := range specs {
		m, err := build(s)
		if err != nil {
			logx.Error().Err(err).Str("role", s.role).Msg("Error creating chat model")
			return nil, fmt.Errorf("error creating %s model: %w", s.role, err)
		}
		built[i] = m
	}

	logx.Debug().Str("provider", config.LLM.Provider).Msg("Chat models ready")
	return &ChatModels{
		Summarizer:          built[0],
		Router:              built[1],
		Agent:               built[2],
		SummarizerModelName: config.Summarizer.Model,
		RouterModelName:     config.Router.Model,
		AgentModelName:      config.Agent.Model,
	}, nil
}

func geminiBuilder(ctx context.Context, llm model.LLMConfig) (func(roleSpec) (einomodel.ToolCallingChatModel, error), error) {
	if llm.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required for provider %s", ProviderGemini)
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  llm.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if llm.GeminiBaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = llm.GeminiBaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	return func(s roleSpec) (einomodel.ToolCallingChatModel, error) {
		temperature, maxTokens := s.temperature, s.maxTokens
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       s.model,
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: false,
				ThinkingBudget:  genai.Ptr(int32(1024)),
			},
		})
	}, nil
}

func openRouterBuilder(ctx context.Context, llm model.LLMConfig) func(roleSpec) (einomodel.ToolCallingChatModel, error) {
	timeout, err := time.ParseDuration(llm.RequestTimeout)
	if err != nil {
		timeout = 90 * time.Second
	}
	return func(s roleSpec) (einomodel.ToolCallingChatModel, error) {
		if llm.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("OPENROUTER_API_KEY is required for provider %s", ProviderOpenRouter)
		}
		temperature, maxTokens := s.temperature, s.maxTokens
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:      llm.OpenRouterAPIKey,
			BaseURL:     llm.OpenRouterBaseURL,
			Model:       s.model,
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
			Timeout:     timeout,
		})
	}
}
