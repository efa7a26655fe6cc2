package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/compose"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/Capmap-core-v1/server/internal/agent/graph/react"
	"github.com/Capmap-core-v1/server/internal/agent/model"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

// Graph node keys.
const (
	NodeMemoryLimiter     = "memory_limiter"
	NodeContextSummarizer = "context_summarizer"
	NodeRouter            = "router"
	NodeGeneral           = "general"
	NodeRanking           = "ranking"
	NodeReasoning         = "reasoning"
	NodePrediction        = "prediction"
	NodeFinal             = "final"
)

// routeNodes is the exhaustive Route to node mapping used by the router branch.
var routeNodes = map[model.Route]string{
	model.RouteGeneral:    NodeGeneral,
	model.RouteRanking:    NodeRanking,
	model.RouteReasoning:  NodeReasoning,
	model.RoutePrediction: NodePrediction,
}

// NodeForRoute returns the agent node serving r, general when r is unknown.
func NodeForRoute(r model.Route) string {
	if n, ok := routeNodes[r]; ok {
		return n
	}
	return NodeGeneral
}

// trimHistory keeps the first max turns of a most-recent-first slice.
func trimHistory(turns []model.Turn, max int) []model.Turn {
	if max <= 0 || len(turns) <= max {
		return turns
	}
	out := make([]model.Turn, max)
	copy(out, turns[:max])
	return out
}

func defaultSummary(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return "No previous conversation."
	}
	return "No previous conversation. The user's first request is: " + input
}

func agentTitle(node string) string {
	if node == "" {
		return "Analysis"
	}
	return strings.ToUpper(node[:1]) + node[1:] + " agent"
}

// userFacingError keeps provider internals out of replies.
func userFacingError(err error) string {
	if errors.Is(err, react.ErrModel) {
		return react.ErrModel.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "the request timed out"
	}
	return err.Error()
}

// generate calls a chat model outside a react loop with callbacks attached.
func generate(ctx context.Context, cm einomodel.BaseChatModel, name string, msgs []*schema.Message) (*schema.Message, error) {
	if cm == nil {
		return nil, fmt.Errorf("%s: chat model is nil", name)
	}
	ctx = callbacks.ReuseHandlers(ctx, &callbacks.RunInfo{
		Name:      name,
		Type:      "NodeModel",
		Component: components.ComponentOfChatModel,
	})
	out, err := cm.Generate(ctx, msgs)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return schema.AssistantMessage("", nil), nil
	}
	return out, nil
}

// addCost accumulates usage into the graph local state.
func addCost(ctx context.Context, node string, cost float64, steps int) {
	err := compose.ProcessState(ctx, func(_ context.Context, rs *model.RunState) error {
		rs.TotalCostUSD += cost
		if rs.Steps == nil {
			rs.Steps = map[string]int{}
		}
		rs.Steps[node] += steps
		return nil
	})
	if err != nil {
		// Nodes also run outside a graph in tests.
		logx.Debug().Err(err).Str("node", node).Msg("Run state unavailable")
	}
}
