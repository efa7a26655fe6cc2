package react

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/sync/errgroup"

	"github.com/Capmap-core-v1/server/internal/agent/graph/progress"
	"github.com/Capmap-core-v1/server/internal/agent/graph/tools"
	"github.com/Capmap-core-v1/server/internal/agent/model"
	"github.com/Capmap-core-v1/server/internal/metrics"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

const (
	DefaultMaxSteps    = 10
	DefaultMaxParallel = 2
)

// ErrModel marks a failure of the chat model itself. It is the only error Run returns.
var ErrModel = errors.New("chat model call failed")

// Config describes one agent. Model is bound to Tools by New.
type Config struct {
	Name             string
	Model            einomodel.ToolCallingChatModel
	ModelName        string
	Tools            []tool.InvokableTool
	SystemPrompt     string
	MaxSteps         int
	MaxParallelTools int
	Metrics          *metrics.Metrics
}

// Agent is a bounded tool-calling loop: each step is one model call followed
// by execution of whatever tools that call requested.
type Agent struct {
	name         string
	model        einomodel.ToolCallingChatModel
	modelName    string
	tools        map[string]tool.InvokableTool
	systemPrompt string
	maxSteps     int
	maxParallel  int
	metrics      *metrics.Metrics
}

// Result is the outcome of a run.
type Result struct {
	Message    *schema.Message   // last model message
	Transcript []*schema.Message // full conversation including the system prompt
	Records    []model.ToolRecord
	Steps      int
	Exhausted  bool
	CostUSD    float64
}

// Text returns the trimmed content of the last message.
func (r *Result) Text() string {
	if r == nil || r.Message == nil {
		return ""
	}
	return strings.TrimSpace(r.Message.Content)
}

func New(ctx context.Context, cfg Config) (*Agent, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("agent %s: chat model is nil", cfg.Name)
	}

	bound := cfg.Model
	byName := make(map[string]tool.InvokableTool, len(cfg.Tools))
	if len(cfg.Tools) > 0 {
		infos, err := tools.GetToolInfos(ctx, cfg.Tools)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", cfg.Name, err)
		}
		for i, info := range infos {
			byName[info.Name] = cfg.Tools[i]
		}
		bound, err = cfg.Model.WithTools(infos)
		if err != nil {
			logx.Error().Err(err).Str("agent", cfg.Name).Msg("Failed to bind tools")
			return nil, fmt.Errorf("agent %s: bind tools: %w", cfg.Name, err)
		}
	}

	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	maxParallel := cfg.MaxParallelTools
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}

	return &Agent{
		name:         cfg.Name,
		model:        bound,
		modelName:    cfg.ModelName,
		tools:        byName,
		systemPrompt: cfg.SystemPrompt,
		maxSteps:     maxSteps,
		maxParallel:  maxParallel,
		metrics:      cfg.Metrics,
	}, nil
}

func (a *Agent) Name() string { return a.name }

// Run drives the loop until the model answers without tool calls or the step
// budget runs out. On exhaustion the last message is returned with
// Result.Exhausted set and a nil error.
func (a *Agent) Run(ctx context.Context, msgs []*schema.Message) (*Result, error) {
	transcript := make([]*schema.Message, 0, len(msgs)+1+3*a.maxSteps)
	if a.systemPrompt != "" {
		transcript = append(transcript, schema.SystemMessage(a.systemPrompt))
	}
	transcript = append(transcript, msgs...)

	res := &Result{}
	idSeq := 0

	for step := 1; step <= a.maxSteps; step++ {
		if step == a.maxSteps && step > 1 {
			transcript = append(transcript, schema.SystemMessage(wrapUpNotice(a.maxSteps)))
		}

		out, err := a.generate(ctx, transcript)
		res.Steps = step
		if err != nil {
			res.Transcript = transcript
			a.metrics.ObserveAgentRun(a.name, step, false)
			logx.Error().Err(err).Str("agent", a.name).Int("step", step).Msg("Chat model call failed")
			return res, fmt.Errorf("%w: agent %s step %d: %w", ErrModel, a.name, step, err)
		}

		res.CostUSD += model.MessageCost(out, a.modelName)

		// Some providers omit tool call IDs; tool messages must reference one.
		for i := range out.ToolCalls {
			if strings.TrimSpace(out.ToolCalls[i].ID) == "" {
				idSeq++
				out.ToolCalls[i].ID = fmt.Sprintf("call_%d", idSeq)
			}
		}

		transcript = append(transcript, out)
		res.Message = out

		if len(out.ToolCalls) == 0 {
			res.Transcript = transcript
			a.metrics.ObserveAgentRun(a.name, step, false)
			logx.Debug().Str("agent", a.name).Int("steps", step).Float64("cost_usd", res.CostUSD).Msg("Agent answered")
			return res, nil
		}
		if step == a.maxSteps {
			break
		}

		logx.Debug().Str("agent", a.name).Int("step", step).Int("tool_count", len(out.ToolCalls)).Msg("Calling tools")
		records := a.runTools(ctx, out.ToolCalls)
		for _, rec := range records {
			transcript = append(transcript, schema.ToolMessage(rec.Result, rec.CallID, schema.WithToolName(rec.Name)))
		}
		res.Records = append(res.Records, records...)
	}

	res.Exhausted = true
	res.Transcript = transcript
	a.metrics.ObserveAgentRun(a.name, res.Steps, true)
	logx.Warn().Str("agent", a.name).Int("max_steps", a.maxSteps).Msg("Step budget exhausted; returning best-effort answer")
	return res, nil
}

func wrapUpNotice(maxSteps int) string {
	return fmt.Sprintf(
		"SYSTEM NOTICE: You have reached the maximum number of reasoning steps (%d). "+
			"Do not call any more tools. Synthesize a helpful response using the information you've already gathered. "+
			"Acknowledge any limitations in your response if you couldn't complete all necessary tool calls.",
		maxSteps,
	)
}

func (a *Agent) generate(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	ctx = callbacks.ReuseHandlers(ctx, &callbacks.RunInfo{
		Name:      a.name,
		Type:      "ReactModel",
		Component: components.ComponentOfChatModel,
	})
	out, err := a.model.Generate(ctx, input)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return schema.AssistantMessage("", nil), nil
	}
	return out, nil
}

// runTools executes calls with bounded parallelism. Records keep call order.
func (a *Agent) runTools(ctx context.Context, calls []schema.ToolCall) []model.ToolRecord {
	records := make([]model.ToolRecord, len(calls))
	var g errgroup.Group
	g.SetLimit(a.maxParallel)
	for i, call := range calls {
		g.Go(func() error {
			records[i] = a.invoke(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return records
}

// invoke runs one tool call. Failures of any kind become an error observation
// for the model instead of aborting the loop.
func (a *Agent) invoke(ctx context.Context, call schema.ToolCall) (rec model.ToolRecord) {
	name := strings.TrimSpace(call.Function.Name)
	rec = model.ToolRecord{CallID: call.ID, Name: name, Arguments: call.Function.Arguments}

	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("agent", a.name).Str("tool", name).Msgf("panic recovered: %v", r)
			rec.Err = fmt.Sprintf("tool %s failed unexpectedly", name)
			rec.Result = errorObservation(rec.Err)
		}
		a.metrics.ObserveToolCall(name, outcome(rec))
	}()

	t, ok := a.tools[name]
	if !ok {
		logx.Warn().Str("agent", a.name).Str("tool_name", name).Str("arguments", call.Function.Arguments).
			Msg("Unknown or invalid tool call; returning fallback result")
		rec.Err = "unknown_tool"
		rec.Result = fmt.Sprintf(`[{"error":"unknown tool %q, use only the tools provided"}]`, name)
		return rec
	}

	args := strings.TrimSpace(call.Function.Arguments)
	if args == "" {
		args = "{}"
	}

	progress.Report(ctx, fmt.Sprintf("Running %s...", name))

	ctx = callbacks.ReuseHandlers(ctx, &callbacks.RunInfo{
		Name:      name,
		Type:      "ReactTool",
		Component: components.ComponentOfTool,
	})
	ctx = callbacks.OnStart(ctx, &tool.CallbackInput{ArgumentsInJSON: args})

	out, err := t.InvokableRun(ctx, args)
	if err != nil {
		callbacks.OnError(ctx, err)
		rec.Err = err.Error()
		rec.Result = errorObservation(err.Error())
		return rec
	}
	callbacks.OnEnd(ctx, &tool.CallbackOutput{Response: out})

	rec.Result = out
	return rec
}

func errorObservation(msg string) string {
	b, err := json.Marshal([]map[string]string{{tools.SentinelError: msg}})
	if err != nil {
		return `[{"error":"tool failed"}]`
	}
	return string(b)
}

func outcome(rec model.ToolRecord) string {
	if rec.Failed() {
		return "error"
	}
	var rows []tools.Row
	if err := json.Unmarshal([]byte(rec.Result), &rows); err == nil {
		if kind, ok := tools.SentinelKind(rows); ok {
			return kind
		}
	}
	return "ok"
}
