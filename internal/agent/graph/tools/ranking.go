package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

const (
	// SimilarityThreshold is the minimum pg_trgm word_similarity for a sector match.
	SimilarityThreshold = 0.30

	defaultRankCount = 5
	maxRankCount     = 50
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9 ]+`)

// normalizeSector lowercases the sector and replaces punctuation with spaces
// so "Fin-Tech" and "fintech" compare alike under trigram similarity.
func normalizeSector(s string) string {
	s = nonAlnum.ReplaceAllString(strings.ToLower(s), " ")
	return strings.Join(strings.Fields(s), " ")
}

func clampCount(n int) int {
	if n <= 0 {
		return defaultRankCount
	}
	if n > maxRankCount {
		return maxRankCount
	}
	return n
}

// isUnknown treats the placeholder values models send for "not given" as empty.
func isUnknown(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || s == "?" || strings.EqualFold(s, "none") || strings.EqualFold(s, "null")
}

const rankingColumns = `vo.*,
        vs."Sector",
        vs."Sector specific Investment",
        vs."Sector specific exit",
        vs."Sector specific exit/investment",
        vc."Current Market Size",
        vc."CAGR"`

const rankingJoins = `FROM vc_sector_based_raw vs
    JOIN vc_overall_raw vo ON vo."Top Tier" = vs."Top Tier"
    JOIN vc_market_cagr vc ON vc."Sector" = vs."Sector"`

// BuildRankingQuery renders the ranking statement for an allow-listed metric
// expression. Sector, threshold and limit are always bound parameters.
func BuildRankingQuery(expr MetricExpr, sector string, count int) (string, []any) {
	if sector == "" {
		sql := fmt.Sprintf(`SELECT DISTINCT
        %s,
        %s AS metric_val
    %s
    WHERE %s IS NOT NULL
    ORDER BY metric_val DESC NULLS LAST
    LIMIT $1`, rankingColumns, expr.SQL, rankingJoins, expr.SQL)
		return sql, []any{count}
	}

	sql := fmt.Sprintf(`WITH ranked AS (
    SELECT
        %s,
        word_similarity(lower(vs."Sector"), $1) AS sim,
        %s AS metric_val
    %s
    WHERE %s IS NOT NULL
)
SELECT *
FROM ranked
WHERE sim >= $2
ORDER BY sim DESC, metric_val DESC NULLS LAST
LIMIT $3`, rankingColumns, expr.SQL, rankingJoins, expr.SQL)
	return sql, []any{sector, SimilarityThreshold, count}
}

type VCRankingInput struct {
	Metric string `json:"metric"`
	Count  int    `json:"count,omitempty"`
	Sector string `json:"sector,omitempty"`
}

func createVCRankingTool(q Querier) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name: ToolVCRanking,
			Desc: "Rank venture-capital firms by a metric, optionally filtered by sector. Sector matching is fuzzy, so 'fintech' matches 'FinTech'. Call get_available_metrics when unsure of the metric name.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"metric": {
					Type:     schema.String,
					Desc:     "Metric name, exactly one of: " + strings.Join(MetricNames(), ", "),
					Required: true,
				},
				"count": {
					Type: schema.Integer,
					Desc: "Number of firms to return (default 5, max 50)",
				},
				"sector": {
					Type: schema.String,
					Desc: "Optional sector to filter by, e.g. FinTech, AI, HealthTech",
				},
			}),
		},
		func(ctx context.Context, in *VCRankingInput) ([]Row, error) {
			name, expr, ok := LookupMetric(in.Metric)
			if !ok {
				return errorRows("Unknown metric '%s'. Available metrics: %s", in.Metric, strings.Join(MetricNames(), ", ")), nil
			}
			sector := ""
			if !isUnknown(in.Sector) {
				sector = normalizeSector(in.Sector)
			}
			count := clampCount(in.Count)

			logx.Debug().Str("tool", ToolVCRanking).Str("metric", name).Str("sector", sector).Int("count", count).Msg("ranking firms")

			sql, args := BuildRankingQuery(expr, sector, count)
			rows, err := q.Query(ctx, sql, args...)
			if err != nil {
				return nil, fmt.Errorf("PostgreSQL query error: %w", err)
			}
			if len(rows) == 0 {
				if sector != "" {
					return warningRows("No VC found for metric '%s' near sector '%s'", name, in.Sector), nil
				}
				return warningRows("No VC found for metric '%s'", name), nil
			}
			sortRanked(rows, "sim", "metric_val")
			return rows, nil
		},
	)
}

const subsectorRankingSQL = `WITH exploded AS (
    SELECT
        TRIM(firm_el)::text   AS venture_capital_firm,
        TRIM(sector_el)::text AS sector,
        fr.round_name         AS series_raw
    FROM funding_rounds_v2 AS fr
    CROSS JOIN LATERAL unnest(string_to_array(COALESCE(fr.investors, ''), ',')) AS firm_el
    CROSS JOIN LATERAL unnest(string_to_array(COALESCE(fr.categories, ''), ',')) AS sector_el
    WHERE TRIM(firm_el) <> ''
      AND TRIM(sector_el) <> ''
      AND firm_el <> '#NAME? ()'
),
series_typed AS (
    SELECT
        venture_capital_firm,
        sector,
        CASE
            WHEN series_raw ILIKE 'Series %%'
                THEN REGEXP_REPLACE(series_raw, '^Series\s+([A-Za-z0-9\+]+).*', 'Series \1', 'i')
            WHEN series_raw ILIKE 'Seed%%' OR series_raw ILIKE 'Pre-Seed%%' THEN 'Seed'
            WHEN series_raw ILIKE 'Angel%%' THEN 'Angel'
            WHEN series_raw ILIKE 'Bridge%%' THEN 'Bridge'
            ELSE 'Unknown'
        END AS series_type
    FROM exploded
),
aggregated AS (
    SELECT
        venture_capital_firm AS "VC",
        sector               AS "Sector",
        SUM(cnt)             AS "Subsector specific investment",
        STRING_AGG(
            CASE WHEN series_type <> 'Unknown' THEN series_type || ': ' || cnt::text END,
            ', ' ORDER BY series_type
        )                    AS "Series #"
    FROM (
        SELECT venture_capital_firm, sector, series_type, COUNT(*) AS cnt
        FROM series_typed
        GROUP BY venture_capital_firm, sector, series_type
    ) per_series
    GROUP BY venture_capital_firm, sector
)
SELECT *
FROM aggregated
WHERE LOWER("Sector") LIKE LOWER($1)
ORDER BY %s DESC NULLS LAST
LIMIT $2`

type SubsectorRankingInput struct {
	Sector string `json:"sector"`
	Metric string `json:"metric"`
	Count  int    `json:"count,omitempty"`
}

func createSubsectorRankingTool(q Querier) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name: ToolSubsectorRanking,
			Desc: "Rank VCs by activity in a subsector using funding-round data. Use for subsector ranking requests.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"sector": {
					Type:     schema.String,
					Desc:     "Subsector name, e.g. Artificial Intelligence, Payments",
					Required: true,
				},
				"metric": {
					Type:     schema.String,
					Desc:     "One of: Subsector specific investment, Series #",
					Required: true,
				},
				"count": {
					Type: schema.Integer,
					Desc: "Number of firms to return (default 5, max 50)",
				},
			}),
		},
		func(ctx context.Context, in *SubsectorRankingInput) ([]Row, error) {
			column, ok := SubsectorMetrics[strings.TrimSpace(in.Metric)]
			if !ok {
				return errorRows("Unknown metric '%s'. Available metrics: Subsector specific investment, Series #", in.Metric), nil
			}
			if isUnknown(in.Sector) {
				return errorRows("sector is required"), nil
			}
			// %% in the template survives Sprintf as a single % for ILIKE.
			sql := fmt.Sprintf(subsectorRankingSQL, column)
			rows, err := q.Query(ctx, sql, "%"+strings.TrimSpace(in.Sector)+"%", clampCount(in.Count))
			if err != nil {
				return nil, fmt.Errorf("PostgreSQL query error: %w", err)
			}
			return rows, nil
		},
	)
}

func createAvailableSectorsTool(c *Catalog) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name: ToolAvailableSectors,
			Desc: "Get a list of all available general ranking sectors.",
		},
		func(ctx context.Context, _ *noInput) ([]Row, error) {
			sectors, err := c.Sectors(ctx)
			if err != nil {
				return nil, err
			}
			return toRows("Sector", sectors), nil
		},
	)
}

const sampleSubsectorsSQL = `WITH sectors_exploded AS (
    SELECT TRIM(sector_split.value) AS sector
    FROM funding_rounds_v2 fr
    CROSS JOIN LATERAL unnest(string_to_array(COALESCE(fr.categories, ''), ',')) AS sector_split(value)
    WHERE TRIM(sector_split.value) <> ''
      AND TRIM(sector_split.value) <> '#NAME? ()'
)
SELECT sector FROM (SELECT DISTINCT sector FROM sectors_exploded) s ORDER BY RANDOM() LIMIT 100`

func createAvailableSubsectorsTool(q Querier) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name: ToolAvailableSubsectors,
			Desc: "Get a sample of up to 100 available subsectors.",
		},
		func(ctx context.Context, _ *noInput) ([]Row, error) {
			return q.Query(ctx, sampleSubsectorsSQL)
		},
	)
}

func createAvailableMetricsTool() tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name: ToolAvailableMetrics,
			Desc: "Get the list of metric names accepted by vc_ranking.",
		},
		func(ctx context.Context, _ *noInput) ([]Row, error) {
			return toRows("metric", MetricNames()), nil
		},
	)
}

func toRows(key string, values []string) []Row {
	rows := make([]Row, 0, len(values))
	for _, v := range values {
		rows = append(rows, Row{key: v})
	}
	return rows
}
