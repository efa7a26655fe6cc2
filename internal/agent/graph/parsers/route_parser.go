package parsers

import (
	"encoding/json"
	"strings"

	"github.com/Capmap-core-v1/server/internal/agent/model"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

// Labels the router model answers with.
const (
	LabelGeneral    = "general_agent_query"
	LabelRanking    = "ranking_agent_query"
	LabelReasoning  = "reasoning_agent_query"
	LabelPrediction = "prediction_agent_query"
)

const maxRouteContentLen = 16 * 1024

var labelRoutes = map[string]model.Route{
	LabelGeneral:    model.RouteGeneral,
	LabelRanking:    model.RouteRanking,
	LabelReasoning:  model.RouteReasoning,
	LabelPrediction: model.RoutePrediction,
}

type routeResponse struct {
	QueryType string `json:"query_type"`
}

// ParseRoute maps the router model output to a Route. It never fails:
// anything it cannot interpret routes to RouteGeneral.
func ParseRoute(content string) model.Route {
	s := strings.TrimSpace(content)
	if len(s) > maxRouteContentLen {
		s = s[:maxRouteContentLen]
	}
	s = stripCodeFence(s)

	if obj := extractJSONObject(s); obj != "" {
		var resp routeResponse
		if err := json.Unmarshal([]byte(obj), &resp); err == nil {
			if r, ok := labelRoutes[strings.ToLower(strings.TrimSpace(resp.QueryType))]; ok {
				return r
			}
		}
	}

	// Models sometimes answer with the bare label.
	lower := strings.ToLower(s)
	for _, label := range []string{LabelRanking, LabelReasoning, LabelPrediction, LabelGeneral} {
		if strings.Contains(lower, label) {
			return labelRoutes[label]
		}
	}

	logx.Warn().Str("content", truncate(s, 200)).Msg("Unrecognised router output; defaulting to general")
	return model.RouteGeneral
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
