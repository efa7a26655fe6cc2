package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

func likePattern(s string) string {
	return "%" + strings.TrimSpace(s) + "%"
}

type StartupInput struct {
	Startup string `json:"startup"`
}

var startupParams = schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
	"startup": {
		Type:     schema.String,
		Desc:     "Startup (organisation) name, partial names are accepted",
		Required: true,
	},
})

type VCInput struct {
	VCName string `json:"vc_name"`
}

var vcParams = schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
	"vc_name": {
		Type:     schema.String,
		Desc:     "Venture-capital firm name, partial names are accepted",
		Required: true,
	},
})

// startupLookup builds the simple single-parameter lookups over funding rounds.
func startupLookup(q Querier, name, desc, sql string) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{Name: name, Desc: desc, ParamsOneOf: startupParams},
		func(ctx context.Context, in *StartupInput) ([]Row, error) {
			if isUnknown(in.Startup) {
				return errorRows("startup is required"), nil
			}
			rows, err := q.Query(ctx, sql, likePattern(in.Startup))
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				return infoRows("No startup found matching '%s'; try %s", in.Startup, ToolDebugStartupSearch), nil
			}
			return rows, nil
		},
	)
}

func createSectorLookupTool(q Querier) tool.InvokableTool {
	return startupLookup(q, ToolSectorLookup, "Look up the sectors (categories) of a startup.",
		`SELECT org_name, categories FROM funding_rounds_v2 WHERE org_name ILIKE $1 LIMIT 2`)
}

func createInvestorLookupTool(q Querier) tool.InvokableTool {
	return startupLookup(q, ToolInvestorLookup, "Look up the investors of a startup.",
		`SELECT org_name, round_name, investors FROM funding_rounds_v2 WHERE org_name ILIKE $1 LIMIT 5`)
}

func createDebugStartupSearchTool(q Querier) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name:        ToolDebugStartupSearch,
			Desc:        "Find startups whose names resemble the given one. Use when a lookup returns nothing.",
			ParamsOneOf: startupParams,
		},
		func(ctx context.Context, in *StartupInput) ([]Row, error) {
			rows, err := q.Query(ctx,
				`SELECT DISTINCT org_name FROM funding_rounds_v2 WHERE org_name ILIKE $1 ORDER BY org_name LIMIT 10`,
				likePattern(in.Startup))
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				return infoRows("No startups found matching '%s'", in.Startup), nil
			}
			return rows, nil
		},
	)
}

func createSampleStartupsTool(q Querier) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name: ToolSampleStartups,
			Desc: "Get a random sample of 20 startup names from the database.",
		},
		func(ctx context.Context, _ *noInput) ([]Row, error) {
			return q.Query(ctx, `SELECT org_name FROM (
    SELECT DISTINCT org_name FROM funding_rounds_v2 WHERE org_name IS NOT NULL AND org_name <> ''
) s ORDER BY RANDOM() LIMIT 20`)
		},
	)
}

func createVCSectorsTool(q Querier) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name:        ToolVCSectors,
			Desc:        "Look up the sectors a VC has ranking data for.",
			ParamsOneOf: vcParams,
		},
		func(ctx context.Context, in *VCInput) ([]Row, error) {
			if isUnknown(in.VCName) {
				return errorRows("vc_name is required"), nil
			}
			return q.Query(ctx,
				`SELECT DISTINCT "Top Tier", "Sector" FROM vc_sector_based_raw WHERE "Top Tier" ILIKE $1`,
				likePattern(in.VCName))
		},
	)
}

func createVCBestSectorTool(q Querier) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name:        ToolVCBestSector,
			Desc:        "Look up the sector with the best exit/investment ratio for a VC.",
			ParamsOneOf: vcParams,
		},
		func(ctx context.Context, in *VCInput) ([]Row, error) {
			if isUnknown(in.VCName) {
				return errorRows("vc_name is required"), nil
			}
			return q.Query(ctx, `SELECT "Top Tier", "Sector", "Sector specific exit/investment"
FROM vc_sector_based_raw
WHERE "Top Tier" ILIKE $1
  AND "Sector specific exit/investment" IS NOT NULL
ORDER BY CAST(REPLACE("Sector specific exit/investment", '%', '') AS NUMERIC) DESC NULLS LAST
LIMIT 1`, likePattern(in.VCName))
		},
	)
}

func createVCBestSectorByRoundsTool(q Querier) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name:        ToolVCBestSectorByRounds,
			Desc:        "Look up the sector in which a VC has backed the most startups, from funding-round data.",
			ParamsOneOf: vcParams,
		},
		func(ctx context.Context, in *VCInput) ([]Row, error) {
			if isUnknown(in.VCName) {
				return errorRows("vc_name is required"), nil
			}
			return q.Query(ctx, `WITH sectors_exploded AS (
    SELECT TRIM(s.sector) AS sector, fr.org_name
    FROM funding_rounds_v2 fr
    CROSS JOIN LATERAL unnest(string_to_array(COALESCE(fr.categories, ''), ',')) AS s(sector)
    WHERE fr.investors ILIKE $1
      AND TRIM(s.sector) <> ''
      AND TRIM(s.sector) <> '#NAME? ()'
)
SELECT sector, COUNT(DISTINCT org_name) AS "Total Investments"
FROM sectors_exploded
GROUP BY sector
ORDER BY "Total Investments" DESC
LIMIT 1`, likePattern(in.VCName))
		},
	)
}

type CoinvestorsInput struct {
	Sector string `json:"sector"`
	VCName string `json:"vc_name"`
}

func splitSectors(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func createCoinvestorsTool(q Querier) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name: ToolCoinvestors,
			Desc: "Look up the firms that most often co-invest with a VC in one or more sectors.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"sector": {
					Type:     schema.String,
					Desc:     "Sector, or several sectors separated by commas",
					Required: true,
				},
				"vc_name": {
					Type:     schema.String,
					Desc:     "Venture-capital firm name",
					Required: true,
				},
			}),
		},
		func(ctx context.Context, in *CoinvestorsInput) ([]Row, error) {
			sectors := splitSectors(in.Sector)
			if len(sectors) == 0 || isUnknown(in.VCName) {
				return errorRows("sector and vc_name are required"), nil
			}
			rows, err := q.Query(ctx, `WITH coinvestor_exploded AS (
    SELECT DISTINCT
        TRIM(firm.value) AS venture_capital_firm,
        TRIM(sec.value)  AS sector,
        fr.org_name || ' - ' || fr.round_name AS series_company
    FROM funding_rounds_v2 fr
    CROSS JOIN LATERAL unnest(string_to_array(fr.investors, ',')) AS firm(value)
    CROSS JOIN LATERAL unnest(string_to_array(fr.categories, ',')) AS sec(value)
    WHERE fr.investors ILIKE $1
      AND lower(TRIM(sec.value)) ILIKE ANY($2)
)
SELECT
    venture_capital_firm           AS "Coinvestor",
    sector                         AS "Sector",
    COUNT(DISTINCT series_company) AS "Total Coinvestments"
FROM coinvestor_exploded
WHERE venture_capital_firm NOT ILIKE $1
GROUP BY venture_capital_firm, sector
ORDER BY "Total Coinvestments" DESC
LIMIT 5`, likePattern(in.VCName), sectors)
			if err != nil {
				return nil, fmt.Errorf("PostgreSQL query error: %w", err)
			}
			return rows, nil
		},
	)
}

type CoinvestorStartupsInput struct {
	Sector        string   `json:"sector"`
	VCName        string   `json:"vc_name"`
	CoinvestorVCs []string `json:"coinvestor_vcs"`
}

func createCoinvestorStartupsTool(q Querier) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name: ToolCoinvestorStartups,
			Desc: "Find startups in a sector that the given co-investors backed but the VC has not, ranked by how many of those co-investors participated.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"sector": {
					Type:     schema.String,
					Desc:     "Sector to search",
					Required: true,
				},
				"vc_name": {
					Type:     schema.String,
					Desc:     "Venture-capital firm the prediction is for",
					Required: true,
				},
				"coinvestor_vcs": {
					Type:     schema.Array,
					Desc:     "Exact co-investor firm names, typically from vc_coinvestors",
					ElemInfo: &schema.ParameterInfo{Type: schema.String},
					Required: true,
				},
			}),
		},
		func(ctx context.Context, in *CoinvestorStartupsInput) ([]Row, error) {
			coinvestors := make([]string, 0, len(in.CoinvestorVCs))
			for _, c := range in.CoinvestorVCs {
				if c = strings.TrimSpace(c); c != "" {
					coinvestors = append(coinvestors, c)
				}
			}
			if len(coinvestors) == 0 || isUnknown(in.VCName) || isUnknown(in.Sector) {
				return errorRows("sector, vc_name and coinvestor_vcs are required"), nil
			}
			return q.Query(ctx, `WITH coinvestor_exploded AS (
    SELECT
        TRIM(firm.value) AS venture_capital_firm,
        TRIM(sec.value)  AS sector,
        fr.org_name      AS startup,
        fr.round_name    AS series,
        fr.org_name || ' - ' || fr.round_name AS series_company,
        fr.announced_on  AS announced_date
    FROM funding_rounds_v2 fr
    CROSS JOIN LATERAL unnest(string_to_array(COALESCE(fr.investors, ''), ',')) AS firm(value)
    CROSS JOIN LATERAL unnest(string_to_array(COALESCE(fr.categories, ''), ',')) AS sec(value)
    WHERE fr.investors NOT ILIKE $1
      AND sec.value ILIKE $2
),
coinvestor_score AS (
    SELECT startup, sector, COUNT(DISTINCT series_company) AS coinvestor_score
    FROM coinvestor_exploded
    WHERE venture_capital_firm = ANY($3)
    GROUP BY startup, sector
),
last_series AS (
    SELECT DISTINCT ON (startup, sector)
        startup, sector, series, announced_date AS last_series_announced_date
    FROM coinvestor_exploded
    WHERE venture_capital_firm = ANY($3)
    ORDER BY startup, sector, announced_date DESC
)
SELECT
    cs.startup                    AS "Startup",
    cs.sector                     AS "Sector",
    cs.coinvestor_score           AS "Coinvestor Score",
    ls.last_series_announced_date AS "Last Series Announced Date",
    ls.series                     AS "Latest Round"
FROM coinvestor_score cs
JOIN last_series ls USING (startup, sector)
ORDER BY cs.coinvestor_score DESC
LIMIT 10`, likePattern(in.VCName), likePattern(in.Sector), coinvestors)
		},
	)
}
