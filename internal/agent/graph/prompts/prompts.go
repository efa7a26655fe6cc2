package prompts

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/Capmap-core-v1/server/internal/agent/graph/tools"
	"github.com/Capmap-core-v1/server/internal/agent/model"
)

//go:embed template/*.txt
var templates embed.FS

// Template names a system prompt under template/.
type Template string

const (
	Router     Template = "router"
	Summarizer Template = "summarizer"
	General    Template = "general"
	Ranking    Template = "ranking"
	Reasoning  Template = "reasoning"
	Prediction Template = "prediction"
	Final      Template = "final"
)

// PredictionMetricOrder is the order in which the prediction agent falls back
// through ranking metrics.
var PredictionMetricOrder = []string{
	"Sector specific exit/investment",
	"Sector specific exit",
	"Sector specific Investment",
	"Follow on Index",
	"Ticket Size",
	"Total Exits / Total Investments",
	"AUM",
	"CAGR",
	"Current Market Size",
}

// ForRoute returns the system prompt template of the agent serving r.
func ForRoute(r model.Route) Template {
	switch r {
	case model.RouteRanking:
		return Ranking
	case model.RouteReasoning:
		return Reasoning
	case model.RoutePrediction:
		return Prediction
	default:
		return General
	}
}

func load(name string) (string, error) {
	b, err := templates.ReadFile("template/" + name + ".txt")
	if err != nil {
		return "", fmt.Errorf("load prompt %s: %w", name, err)
	}
	return strings.TrimSpace(string(b)), nil
}

func vars() (map[string]string, error) {
	money, err := load("money")
	if err != nil {
		return nil, err
	}
	sub := make([]string, 0, len(tools.SubsectorMetrics))
	for name := range tools.SubsectorMetrics {
		sub = append(sub, name)
	}
	sort.Strings(sub)

	return map[string]string{
		"{money}":             money,
		"{sector_metrics}":    strings.Join(tools.MetricNames(), ", "),
		"{subsector_metrics}": strings.Join(sub, ", "),
		"{metric_order}":      strings.Join(PredictionMetricOrder, ", "),
	}, nil
}

// RenderSystem renders a system prompt via the Eino prompt component so
// prompt callbacks fire, and returns the final text.
func RenderSystem(ctx context.Context, name Template) (string, error) {
	raw, err := load(string(name))
	if err != nil {
		return "", err
	}
	v, err := vars()
	if err != nil {
		return "", err
	}

	// Replace known tokens only; templates contain literal JSON braces.
	pairs := make([]string, 0, 2*len(v))
	for k, val := range v {
		pairs = append(pairs, k, val)
	}
	content := strings.NewReplacer(pairs...).Replace(raw)

	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("system_messages", false),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_messages": []*schema.Message{schema.SystemMessage(content)},
	})
	if err != nil {
		return "", fmt.Errorf("%s prompt callbacks: %w", name, err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("%s prompt callbacks: empty result", name)
	}
	return msgs[0].Content, nil
}

// FormatHistory renders turns oldest first for the summarizer.
func FormatHistory(turns []model.Turn) string {
	var b strings.Builder
	for _, t := range model.Chronological(turns) {
		b.WriteString("User: ")
		b.WriteString(strings.TrimSpace(t.Input))
		b.WriteString("\nAssistant: ")
		b.WriteString(strings.TrimSpace(t.Reply))
		if t.Table != nil && strings.TrimSpace(*t.Table) != "" {
			b.WriteString("\n")
			b.WriteString(strings.TrimSpace(*t.Table))
		}
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// AgentRequest is the user message handed to a domain agent.
func AgentRequest(summary, input string) string {
	return fmt.Sprintf("<conversation_context>\n%s\n</conversation_context>\n\n<request>\n%s\n</request>",
		strings.TrimSpace(summary), strings.TrimSpace(input))
}

// FinalRequest is the user message handed to the final agent.
func FinalRequest(summary, input, draft string) string {
	return fmt.Sprintf("<conversation_context>\n%s\n</conversation_context>\n\n<request>\n%s\n</request>\n\n<draft_answer>\n%s\n</draft_answer>",
		strings.TrimSpace(summary), strings.TrimSpace(input), strings.TrimSpace(draft))
}
