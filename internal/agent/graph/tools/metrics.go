package tools

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// MetricTable names the source table a metric is read from.
type MetricTable string

const (
	TableOverall      MetricTable = "vc_overall_raw"
	TableSectorBased  MetricTable = "vc_sector_based_raw"
	TableMarketCAGR   MetricTable = "vc_market_cagr"
	TableFundingRound MetricTable = "funding_rounds_v2"
)

// MetricExpr is an allow-listed SQL expression that yields a numeric metric.
type MetricExpr struct {
	SQL   string
	Table MetricTable
}

const ticketSizeExpr = `COALESCE(
  CASE
    WHEN lower(vo."Ticket Size") ~ '^[0-9]+(\.[0-9]+)?[mk]$'
    THEN (regexp_match(lower(vo."Ticket Size"), '^([0-9]+(?:\.[0-9]+)?)([mk])$'))[1]::NUMERIC *
         CASE WHEN (regexp_match(lower(vo."Ticket Size"), '^([0-9]+(?:\.[0-9]+)?)([mk])$'))[2] = 'm'
              THEN 1e6 ELSE 1e3 END
  END,
  CASE
    WHEN lower(vo."Ticket Size") ~ '^[0-9]+(\.[0-9]+)?[mk]\s*-\s*[0-9]+(\.[0-9]+)?[mk]$'
    THEN (
      (regexp_match(lower(vo."Ticket Size"), '^([0-9]+(?:\.[0-9]+)?)([mk])'))[1]::NUMERIC *
      CASE WHEN (regexp_match(lower(vo."Ticket Size"), '^([0-9]+(?:\.[0-9]+)?)([mk])'))[2] = 'm'
           THEN 1e6 ELSE 1e3 END
      +
      (regexp_match(lower(vo."Ticket Size"), '-\s*([0-9]+(?:\.[0-9]+)?)([mk])$'))[1]::NUMERIC *
      CASE WHEN (regexp_match(lower(vo."Ticket Size"), '-\s*([0-9]+(?:\.[0-9]+)?)([mk])$'))[2] = 'm'
           THEN 1e6 ELSE 1e3 END
    ) / 2
  END
)`

// MetricExpressions is the only source of dynamic SQL in the ranking tool.
var MetricExpressions = map[string]MetricExpr{
	"AUM":                             {SQL: `CAST(REGEXP_REPLACE(vo."AUM", '[$,]', '', 'g') AS NUMERIC)`, Table: TableOverall},
	"Ticket Size":                     {SQL: ticketSizeExpr, Table: TableOverall},
	"Follow on Index":                 {SQL: `CAST(vo."Follow on Index" AS NUMERIC)`, Table: TableOverall},
	"Total Exits / Total Investments": {SQL: `CAST(vo."Total Exits / Total Investments" AS NUMERIC)`, Table: TableOverall},
	"Sector specific Investment":      {SQL: `CAST(vs."Sector specific Investment" AS NUMERIC)`, Table: TableSectorBased},
	"Sector specific exit":            {SQL: `CAST(vs."Sector specific exit" AS NUMERIC)`, Table: TableSectorBased},
	"Sector specific exit/investment": {SQL: `CAST(REPLACE(vs."Sector specific exit/investment", '%', '') AS NUMERIC)`, Table: TableSectorBased},
	"Current Market Size":             {SQL: `CAST(vc."Current Market Size" AS NUMERIC)`, Table: TableMarketCAGR},
	"CAGR":                            {SQL: `CAST(REPLACE(vc."CAGR", '%', '') AS NUMERIC)`, Table: TableMarketCAGR},
}

// SubsectorMetrics are the computed columns the subsector ranking can order by.
var SubsectorMetrics = map[string]string{
	"Subsector specific investment": `"Subsector specific investment"`,
	"Series #":                      `"Series #"`,
}

// MetricNames returns the allow-listed metric names in a stable order.
func MetricNames() []string {
	names := make([]string, 0, len(MetricExpressions))
	for k := range MetricExpressions {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// LookupMetric resolves a metric name, tolerating case and surrounding space.
func LookupMetric(name string) (string, MetricExpr, bool) {
	name = strings.TrimSpace(name)
	if e, ok := MetricExpressions[name]; ok {
		return name, e, true
	}
	for k, e := range MetricExpressions {
		if strings.EqualFold(k, name) {
			return k, e, true
		}
	}
	return "", MetricExpr{}, false
}

var (
	suffixValue = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([mkb])$`)
	rangeValue  = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([mkb])\s*-\s*([0-9]+(?:\.[0-9]+)?)\s*([mkb])$`)
)

// ParseMetricValue extracts a number from the raw spreadsheet formats found in
// the VC tables: "$9,200,000,000", "37.46%", "23M", "447K", "1M-3M" (midpoint).
// It returns false for blanks and markers such as "NO DATA".
func ParseMetricValue(v any) (float64, bool) {
	switch vv := v.(type) {
	case nil:
		return 0, false
	case float64:
		return vv, !math.IsNaN(vv)
	case float32:
		return float64(vv), true
	case int:
		return float64(vv), true
	case int32:
		return float64(vv), true
	case int64:
		return float64(vv), true
	case pgtype.Numeric:
		f, err := vv.Float64Value()
		if err != nil || !f.Valid {
			return 0, false
		}
		return f.Float64, true
	case string:
		return parseMetricString(vv)
	}
	return 0, false
}

func parseMetricString(s string) (float64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("$", "", ",", "", "%", "").Replace(s)
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	if m := suffixValue.FindStringSubmatch(s); m != nil {
		return scaled(m[1], m[2]), true
	}
	if m := rangeValue.FindStringSubmatch(s); m != nil {
		return (scaled(m[1], m[2]) + scaled(m[3], m[4])) / 2, true
	}
	return 0, false
}

func scaled(num, suffix string) float64 {
	f, _ := strconv.ParseFloat(num, 64)
	switch suffix {
	case "k":
		return f * 1e3
	case "m":
		return f * 1e6
	case "b":
		return f * 1e9
	}
	return f
}

// sortRanked orders rows by similarity descending, then by metric descending
// with missing metrics last. Ties keep their incoming order.
func sortRanked(rows []Row, simKey, metricKey string) {
	sort.SliceStable(rows, func(i, j int) bool {
		si, _ := ParseMetricValue(rows[i][simKey])
		sj, _ := ParseMetricValue(rows[j][simKey])
		if si != sj {
			return si > sj
		}
		mi, okI := ParseMetricValue(rows[i][metricKey])
		mj, okJ := ParseMetricValue(rows[j][metricKey])
		switch {
		case okI && okJ:
			return mi > mj
		case okI != okJ:
			return okI
		}
		return false
	})
}
