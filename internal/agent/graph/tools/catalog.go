package tools

import (
	"context"
	"fmt"
	"strings"
)

const (
	sectorsSQL = `SELECT DISTINCT "Sector" AS sector
FROM vc_sector_based_raw
WHERE "Sector" IS NOT NULL AND "Sector" <> ''
ORDER BY 1`

	subsectorsSQL = `WITH sectors_exploded AS (
    SELECT TRIM(sector_split.value) AS sector
    FROM funding_rounds_v2 fr
    CROSS JOIN LATERAL unnest(string_to_array(COALESCE(fr.categories, ''), ',')) AS sector_split(value)
    WHERE TRIM(sector_split.value) <> ''
      AND TRIM(sector_split.value) <> '#NAME? ()'
)
SELECT DISTINCT sector FROM sectors_exploded ORDER BY 1`
)

// Catalog lists the sector vocabularies of the dataset.
type Catalog struct {
	q Querier
}

func NewCatalog(q Querier) *Catalog {
	return &Catalog{q: q}
}

// Sectors returns the general-ranking sectors, alphabetically.
func (c *Catalog) Sectors(ctx context.Context) ([]string, error) {
	return c.column(ctx, sectorsSQL)
}

// Subsectors returns the funding-round categories, alphabetically.
func (c *Catalog) Subsectors(ctx context.Context) ([]string, error) {
	return c.column(ctx, subsectorsSQL)
}

func (c *Catalog) column(ctx context.Context, sql string) ([]string, error) {
	rows, err := c.q.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("catalog query: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		s, _ := r["sector"].(string)
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
