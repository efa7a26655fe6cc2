package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/compose"

	"github.com/Capmap-core-v1/server/internal/agent/graph/nodes"
	"github.com/Capmap-core-v1/server/internal/agent/graph/observers"
	"github.com/Capmap-core-v1/server/internal/agent/graph/prompts"
	"github.com/Capmap-core-v1/server/internal/agent/graph/react"
	"github.com/Capmap-core-v1/server/internal/agent/graph/tools"
	"github.com/Capmap-core-v1/server/internal/agent/model"
	"github.com/Capmap-core-v1/server/internal/metrics"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

// ErrEmptyQuery is returned for blank input before the graph runs.
var ErrEmptyQuery = errors.New("query is empty")

// Runner executes the compiled graph for one request.
type Runner interface {
	Invoke(ctx context.Context, in model.QueryInput) (*model.Reply, error)
}

// HistoryManager supplies and records session turns. Both calls degrade
// instead of failing the request.
type HistoryManager interface {
	GetHistory(ctx context.Context, sessionID string, limit int) []model.Turn
	RecordInteraction(ctx context.Context, sessionID, input, reply string, table *string) error
}

// Config holds everything needed to compose the full graph end-to-end.
// This is a convenience layer over GraphConfig that also constructs the
// chat models and the tool registry.
type Config struct {
	Models  nodes.ChatModelConfig
	Agent   model.AgentConfig
	Tools   tools.Deps
	History HistoryManager
	Alerter model.Alerter
	Metrics *metrics.Metrics
}

// GraphConfig holds all configuration needed to build the graph.
type GraphConfig struct {
	ChatModels *nodes.ChatModels
	Registry   *tools.Registry
	Agent      model.AgentConfig
	Alerter    model.Alerter
	Metrics    *metrics.Metrics
}

// GraphBuilder handles the construction of the orchestration graph.
type GraphBuilder struct {
	config *GraphConfig
	graph  *compose.Graph[*model.ConversationState, *model.ConversationState]
	agents map[string]nodes.AgentRunner
	final  nodes.AgentRunner
}

type graphRunner struct {
	runnable     compose.Runnable[*model.ConversationState, *model.ConversationState]
	history      HistoryManager
	historyLimit int
}

func (r *graphRunner) Invoke(ctx context.Context, in model.QueryInput) (*model.Reply, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	turns := in.History
	if turns == nil && r.history != nil && in.SessionID != "" {
		turns = r.history.GetHistory(ctx, in.SessionID, r.historyLimit)
	}

	out, err := r.runnable.Invoke(ctx, &model.ConversationState{
		SessionID:       in.SessionID,
		Input:           query,
		History:         turns,
		GeneralOverride: in.GeneralOverride,
	}, compose.WithCallbacks(observers.NewAllCallbacks()))
	if err != nil {
		return nil, fmt.Errorf("run graph: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("run graph: empty state")
	}

	reply := &model.Reply{
		Text:    out.Output,
		Route:   out.Route,
		Failed:  out.Failed,
		CostUSD: out.CostUSD,
	}

	if r.history != nil && in.SessionID != "" && !out.Failed {
		table := ExtractMarkdownTable(reply.Text)
		if err := r.history.RecordInteraction(ctx, in.SessionID, query, reply.Text, table); err != nil {
			logx.Warn().Err(err).Str("session_id", in.SessionID).Msg("Interaction not recorded")
		}
	}
	return reply, nil
}

// BuildResponseGraph composes chat models and tools, builds the graph, and returns a Runner.
func BuildResponseGraph(ctx context.Context, cfg Config) (Runner, error) {
	cms, err := nodes.NewChatModels(ctx, cfg.Models)
	if err != nil {
		return nil, err
	}

	runnable, err := BuildGraph(ctx, &GraphConfig{
		ChatModels: cms,
		Registry:   tools.NewRegistry(cfg.Tools),
		Agent:      cfg.Agent,
		Alerter:    cfg.Alerter,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	logx.Debug().Msg("Response graph built successfully")
	return NewRunner(runnable, cfg.History, cfg.Agent.HistoryFetchLimit), nil
}

// NewRunner wraps a compiled graph. history may be nil.
func NewRunner(
	runnable compose.Runnable[*model.ConversationState, *model.ConversationState],
	history HistoryManager,
	historyLimit int,
) Runner {
	return &graphRunner{runnable: runnable, history: history, historyLimit: historyLimit}
}

// BuildGraph constructs and returns the compiled orchestration graph.
func BuildGraph(ctx context.Context, config *GraphConfig) (compose.Runnable[*model.ConversationState, *model.ConversationState], error) {
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	cms := config.ChatModels
	if cms == nil || cms.Summarizer == nil || cms.Router == nil || cms.Agent == nil {
		return nil, fmt.Errorf("chat models are not properly initialized")
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("tool registry is nil")
	}
	if config.Alerter == nil {
		config.Alerter = model.NopAlerter{}
	}

	builder := &GraphBuilder{
		config: config,
		graph: compose.NewGraph[*model.ConversationState, *model.ConversationState](
			compose.WithGenLocalState(func(ctx context.Context) *model.RunState {
				return &model.RunState{Steps: map[string]int{}}
			}),
		),
	}

	if err := builder.setupAgents(ctx); err != nil {
		return nil, err
	}
	if err := builder.addNodes(ctx); err != nil {
		return nil, err
	}
	if err := builder.addEdges(); err != nil {
		return nil, err
	}
	if err := builder.addBranches(); err != nil {
		return nil, err
	}

	return builder.compile(ctx)
}

type agentSpec struct {
	node     string
	template prompts.Template
	tools    []string
	maxSteps int
}

// setupAgents builds one react agent per domain node plus the final agent.
func (b *GraphBuilder) setupAgents(ctx context.Context) error {
	steps := b.config.Agent
	specs := []agentSpec{
		{nodes.NodeGeneral, prompts.General, tools.GeneralTools, steps.GeneralMaxSteps},
		{nodes.NodeRanking, prompts.Ranking, tools.RankingTools, steps.RankingMaxSteps},
		{nodes.NodeReasoning, prompts.Reasoning, tools.ReasoningTools, steps.ReasoningMaxSteps},
		{nodes.NodePrediction, prompts.Prediction, tools.PredictionTools, steps.PredictionMaxSteps},
		{nodes.NodeFinal, prompts.Final, tools.FinalTools, steps.FinalMaxSteps},
	}

	b.agents = make(map[string]nodes.AgentRunner, len(specs))
	for _, s := range specs {
		agent, err := b.newAgent(ctx, s)
		if err != nil {
			logx.Error().Err(err).Str("agent", s.node).Msg("Failed to build agent")
			return fmt.Errorf("failed to build %s agent: %w", s.node, err)
		}
		if s.node == nodes.NodeFinal {
			b.final = agent
			continue
		}
		b.agents[s.node] = agent
	}
	return nil
}

func (b *GraphBuilder) newAgent(ctx context.Context, s agentSpec) (*react.Agent, error) {
	ts, err := b.config.Registry.Set(s.tools...)
	if err != nil {
		return nil, err
	}
	system, err := prompts.RenderSystem(ctx, s.template)
	if err != nil {
		return nil, err
	}
	return react.New(ctx, react.Config{
		Name:             s.node + "_agent",
		Model:            b.config.ChatModels.Agent,
		ModelName:        b.config.ChatModels.AgentModelName,
		Tools:            ts,
		SystemPrompt:     system,
		MaxSteps:         s.maxSteps,
		MaxParallelTools: b.config.Agent.MaxParallelTools,
		Metrics:          b.config.Metrics,
	})
}

// addNodes adds all processing nodes to the graph.
func (b *GraphBuilder) addNodes(ctx context.Context) error {
	cms := b.config.ChatModels

	summarizerPrompt, err := prompts.RenderSystem(ctx, prompts.Summarizer)
	if err != nil {
		return err
	}
	routerPrompt, err := prompts.RenderSystem(ctx, prompts.Router)
	if err != nil {
		return err
	}

	add := func(key string, node *compose.Lambda, opts ...compose.GraphAddNodeOpt) error {
		if err := b.graph.AddLambdaNode(key, node, opts...); err != nil {
			logx.Error().Err(err).Str("node", key).Msg("Error adding node")
			return fmt.Errorf("error adding node %s: %w", key, err)
		}
		return nil
	}

	if err := add(nodes.NodeMemoryLimiter,
		nodes.NewMemoryLimiterNode(b.config.Agent.MemoryMaxTurns),
		compose.WithStatePreHandler(nodes.NewStartPreHandler()),
	); err != nil {
		return err
	}
	if err := add(nodes.NodeContextSummarizer,
		nodes.NewContextSummarizerNode(cms.Summarizer, cms.SummarizerModelName, summarizerPrompt),
	); err != nil {
		return err
	}
	if err := add(nodes.NodeRouter,
		nodes.NewRouterNode(cms.Router, cms.RouterModelName, routerPrompt, b.config.Metrics),
	); err != nil {
		return err
	}
	for _, route := range model.Routes {
		key := nodes.NodeForRoute(route)
		if err := add(key, nodes.NewAgentNode(b.agents[key], key, b.config.Alerter)); err != nil {
			return err
		}
	}
	return add(nodes.NodeFinal,
		nodes.NewFinalNode(b.final, b.config.Alerter),
		compose.WithStatePostHandler(nodes.NewFinalPostHandler()),
	)
}

// addEdges creates the main flow connections between nodes.
func (b *GraphBuilder) addEdges() error {
	edges := [][2]string{
		{compose.START, nodes.NodeMemoryLimiter},
		{nodes.NodeMemoryLimiter, nodes.NodeContextSummarizer},
		{nodes.NodeContextSummarizer, nodes.NodeRouter},
		{nodes.NodeFinal, compose.END},
	}
	for _, route := range model.Routes {
		edges = append(edges, [2]string{nodes.NodeForRoute(route), nodes.NodeFinal})
	}

	for _, edge := range edges {
		if err := b.graph.AddEdge(edge[0], edge[1]); err != nil {
			logx.Error().Err(err).Str("from", edge[0]).Str("to", edge[1]).Msg("Error adding edge")
			return fmt.Errorf("error adding edge %s -> %s: %w", edge[0], edge[1], err)
		}
	}
	return nil
}

// addBranches creates the router branch.
func (b *GraphBuilder) addBranches() error {
	ends := make(map[string]bool, len(model.Routes))
	for _, route := range model.Routes {
		ends[nodes.NodeForRoute(route)] = true
	}

	routeBranch := compose.NewGraphBranch(nodes.NewRouteCondition(), ends)
	if err := b.graph.AddBranch(nodes.NodeRouter, routeBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding route branch")
		return fmt.Errorf("error adding route branch: %w", err)
	}
	return nil
}

// compile finalizes and compiles the graph.
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[*model.ConversationState, *model.ConversationState], error) {
	// Every path visits at most six nodes; the margin covers branch bookkeeping.
	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(20), compose.WithGraphName("capmap_orchestrator"))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}

	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}
