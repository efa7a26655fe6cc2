package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/compose"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/Capmap-core-v1/server/internal/agent/graph/parsers"
	"github.com/Capmap-core-v1/server/internal/agent/graph/progress"
	"github.com/Capmap-core-v1/server/internal/agent/graph/prompts"
	"github.com/Capmap-core-v1/server/internal/agent/graph/react"
	"github.com/Capmap-core-v1/server/internal/agent/model"
	errx "github.com/Capmap-core-v1/server/internal/core/error"
	"github.com/Capmap-core-v1/server/internal/metrics"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

// SummaryPlaceholder replaces the context summary when the summarizer fails.
const SummaryPlaceholder = "Context extraction failed; rely on the current request only."

// AgentRunner is the part of react.Agent the graph depends on.
type AgentRunner interface {
	Name() string
	Run(ctx context.Context, msgs []*schema.Message) (*react.Result, error)
}

// NewMemoryLimiterNode keeps the most recent maxTurns turns.
func NewMemoryLimiterNode(maxTurns int) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, s *model.ConversationState) (*model.ConversationState, error) {
		before := len(s.History)
		s.History = trimHistory(s.History, maxTurns)
		logx.Debug().
			Str("session_id", s.SessionID).
			Int("turns_in", before).
			Int("turns_kept", len(s.History)).
			Msg("History trimmed")
		return s, nil
	})
}

// NewContextSummarizerNode condenses the history into ContextSummary.
// It never returns an error.
func NewContextSummarizerNode(cm einomodel.BaseChatModel, modelName, systemPrompt string) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, s *model.ConversationState) (*model.ConversationState, error) {
		if len(s.History) == 0 {
			s.ContextSummary = defaultSummary(s.Input)
			return s, nil
		}

		progress.Report(ctx, "Reviewing the conversation...")
		out, err := generate(ctx, cm, NodeContextSummarizer, []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(prompts.FormatHistory(s.History)),
		})
		if err != nil {
			logx.Warn().Err(err).Str("session_id", s.SessionID).Msg("Summarizer failed; using placeholder")
			s.ContextSummary = SummaryPlaceholder
			return s, nil
		}
		addCost(ctx, NodeContextSummarizer, model.MessageCost(out, modelName), 1)

		summary := strings.TrimSpace(out.Content)
		if summary == "" {
			logx.Warn().Str("session_id", s.SessionID).Msg("Summarizer returned empty content; using placeholder")
			summary = SummaryPlaceholder
		}
		s.ContextSummary = summary
		return s, nil
	})
}

// NewRouterNode classifies the request. Any failure routes to general.
func NewRouterNode(cm einomodel.BaseChatModel, modelName, systemPrompt string, m *metrics.Metrics) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, s *model.ConversationState) (*model.ConversationState, error) {
		defer func() { m.ObserveRoute(s.Route.String()) }()

		if s.GeneralOverride {
			s.Route = model.RouteGeneral
			logx.Debug().Str("session_id", s.SessionID).Msg("General agent override set; skipping router")
			return s, nil
		}

		progress.Report(ctx, "Understanding your request...")
		out, err := generate(ctx, cm, NodeRouter, []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(prompts.AgentRequest(s.ContextSummary, s.Input)),
		})
		if err != nil {
			logx.Warn().Err(err).Str("session_id", s.SessionID).Msg("Router failed; defaulting to general")
			s.Route = model.RouteGeneral
			return s, nil
		}
		addCost(ctx, NodeRouter, model.MessageCost(out, modelName), 1)

		s.Route = parsers.ParseRoute(out.Content)
		logx.Debug().Str("session_id", s.SessionID).Str("route", s.Route.String()).Msg("Request routed")
		return s, nil
	})
}

// NewRouteCondition maps the parsed route to its agent node.
func NewRouteCondition() func(context.Context, *model.ConversationState) (string, error) {
	return func(ctx context.Context, s *model.ConversationState) (string, error) {
		if node, ok := routeNodes[s.Route]; ok {
			return node, nil
		}
		logx.Warn().Str("route", s.Route.String()).Msg("Unknown route; using general agent")
		return NodeGeneral, nil
	}
}

// NewAgentNode runs a domain agent. Failures never reach the graph: the node
// stores a terminal message, marks the state failed and raises one alert.
func NewAgentNode(agent AgentRunner, node string, alerter model.Alerter) *compose.Lambda {
	source := node + "_agent"
	return compose.InvokableLambda(func(ctx context.Context, s *model.ConversationState) (*model.ConversationState, error) {
		progress.Report(ctx, fmt.Sprintf("Running %s analysis...", node))

		res, err := agent.Run(ctx, []*schema.Message{
			schema.UserMessage(prompts.AgentRequest(s.ContextSummary, s.Input)),
		})
		if res != nil {
			addCost(ctx, node, res.CostUSD, res.Steps)
		}
		if err != nil {
			logx.Error().Err(err).Str("session_id", s.SessionID).Str("node", node).Msg("Agent failed")
			s.Output = fmt.Sprintf("%s encountered an error: %s", agentTitle(node), userFacingError(err))
			s.Failed = true
			s.Source = source
			alerter.Notify(model.Alert{Source: source, Err: err, SessionID: s.SessionID, Input: s.Input})
			return s, nil
		}

		text := res.Text()
		if text == "" {
			logx.Warn().Str("session_id", s.SessionID).Str("node", node).Bool("exhausted", res.Exhausted).
				Msg("Agent produced no answer")
			s.Output = errx.ApologyMessage
			s.Failed = true
			s.Source = source
			alerter.Notify(model.Alert{
				Source:    source,
				Err:       fmt.Errorf("agent %s returned no answer after %d steps", agent.Name(), res.Steps),
				SessionID: s.SessionID,
				Input:     s.Input,
			})
			return s, nil
		}

		s.Output = text
		return s, nil
	})
}

// NewFinalNode polishes the domain answer. A failed domain answer passes
// through untouched; a failing final agent falls back to the domain answer.
func NewFinalNode(agent AgentRunner, alerter model.Alerter) *compose.Lambda {
	const source = NodeFinal + "_agent"
	return compose.InvokableLambda(func(ctx context.Context, s *model.ConversationState) (*model.ConversationState, error) {
		if s.Failed {
			logx.Debug().Str("session_id", s.SessionID).Str("source", s.Source).Msg("Skipping final agent for failed request")
			return s, nil
		}

		progress.Report(ctx, "Preparing the answer...")
		res, err := agent.Run(ctx, []*schema.Message{
			schema.UserMessage(prompts.FinalRequest(s.ContextSummary, s.Input, s.Output)),
		})
		if res != nil {
			addCost(ctx, NodeFinal, res.CostUSD, res.Steps)
		}
		if err != nil {
			logx.Error().Err(err).Str("session_id", s.SessionID).Msg("Final agent failed; returning domain answer")
			alerter.Notify(model.Alert{Source: source, Err: err, SessionID: s.SessionID, Input: s.Input})
			return s, nil
		}

		if text := res.Text(); text != "" {
			s.Output = text
		}
		return s, nil
	})
}

// NewFinalPostHandler copies the accumulated cost onto the state once the run ends.
func NewFinalPostHandler() func(context.Context, *model.ConversationState, *model.RunState) (*model.ConversationState, error) {
	return func(ctx context.Context, out *model.ConversationState, rs *model.RunState) (*model.ConversationState, error) {
		out.CostUSD = rs.TotalCostUSD
		logx.Debug().
			Str("session_id", out.SessionID).
			Str("route", out.Route.String()).
			Bool("failed", out.Failed).
			Interface("steps", rs.Steps).
			Float64("total_cost_usd", rs.TotalCostUSD).
			Msg("Run finished")
		return out, nil
	}
}

// NewStartPreHandler resets the per-run bookkeeping.
func NewStartPreHandler() func(context.Context, *model.ConversationState, *model.RunState) (*model.ConversationState, error) {
	return func(ctx context.Context, in *model.ConversationState, rs *model.RunState) (*model.ConversationState, error) {
		rs.SessionID = in.SessionID
		rs.TotalCostUSD = 0
		rs.Steps = map[string]int{}
		return in, nil
	}
}
