package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

const (
	ToolWebSearch            = "web_search"
	ToolCurrentDateTime      = "current_date_time"
	ToolVCRanking            = "vc_ranking"
	ToolSubsectorRanking     = "vc_subsector_ranking"
	ToolAvailableSectors     = "get_available_sectors"
	ToolAvailableSubsectors  = "get_available_subsectors"
	ToolAvailableMetrics     = "get_available_metrics"
	ToolExecuteQuery         = "execute_query"
	ToolAvailableTables      = "get_available_tables"
	ToolAvailableFields      = "get_available_fields"
	ToolVCSectors            = "get_vc_available_sectors"
	ToolSectorLookup         = "sector_lookup"
	ToolInvestorLookup       = "investor_lookup"
	ToolCoinvestors          = "vc_coinvestors"
	ToolCoinvestorStartups   = "coinvestor_startups"
	ToolVCBestSector         = "vc_best_sector"
	ToolVCBestSectorByRounds = "vc_best_sector_by_rounds"
	ToolDebugStartupSearch   = "debug_startup_search"
	ToolSampleStartups       = "list_sample_startups"
)

// Tool sets per agent.
var (
	GeneralTools = []string{ToolWebSearch, ToolCurrentDateTime}

	RankingTools = []string{
		ToolVCRanking, ToolSubsectorRanking,
		ToolAvailableSectors, ToolAvailableSubsectors,
		ToolWebSearch,
	}

	ReasoningTools = []string{
		ToolExecuteQuery, ToolAvailableTables, ToolAvailableFields,
		ToolWebSearch,
	}

	PredictionTools = []string{
		ToolAvailableMetrics, ToolAvailableSectors, ToolVCSectors,
		ToolSectorLookup, ToolInvestorLookup,
		ToolCoinvestors, ToolCoinvestorStartups,
		ToolVCRanking, ToolVCBestSector, ToolVCBestSectorByRounds,
		ToolDebugStartupSearch, ToolSampleStartups,
		ToolWebSearch,
	}

	FinalTools = []string{ToolWebSearch}
)

// Deps are the collaborators the tools run against.
type Deps struct {
	Querier          Querier
	Search           WebSearcher
	SearchMaxResults int
	Now              func() time.Time
}

// Registry holds one instance of every tool, keyed by name.
type Registry struct {
	tools map[string]tool.InvokableTool
}

func NewRegistry(deps Deps) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	q := deps.Querier
	catalog := NewCatalog(q)

	all := []tool.InvokableTool{
		createWebSearchTool(deps.Search, deps.SearchMaxResults),
		createDateTimeTool(deps.Now),
		createVCRankingTool(q),
		createSubsectorRankingTool(q),
		createAvailableSectorsTool(catalog),
		createAvailableSubsectorsTool(q),
		createAvailableMetricsTool(),
		createExecuteQueryTool(q),
		createAvailableTablesTool(q),
		createAvailableFieldsTool(q),
		createVCSectorsTool(q),
		createSectorLookupTool(q),
		createInvestorLookupTool(q),
		createCoinvestorsTool(q),
		createCoinvestorStartupsTool(q),
		createVCBestSectorTool(q),
		createVCBestSectorByRoundsTool(q),
		createDebugStartupSearchTool(q),
		createSampleStartupsTool(q),
	}

	r := &Registry{tools: make(map[string]tool.InvokableTool, len(all))}
	for _, t := range all {
		info, err := t.Info(context.Background())
		if err != nil {
			// static ToolInfo, cannot fail
			panic(fmt.Sprintf("tool info: %v", err))
		}
		r.tools[info.Name] = t
	}
	return r
}

// Get returns the named tool.
func (r *Registry) Get(name string) (tool.InvokableTool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Set returns the tools with the given names, in order.
func (r *Registry) Set(names ...string) ([]tool.InvokableTool, error) {
	out := make([]tool.InvokableTool, 0, len(names))
	for _, n := range names {
		t, ok := r.tools[n]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}

// GetToolInfos collects the schema of each tool for binding to a chat model.
func GetToolInfos(ctx context.Context, ts []tool.InvokableTool) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(ts))
	for _, t := range ts {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}
