package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

type ExecuteQueryInput struct {
	Query string `json:"query"`
}

func createExecuteQueryTool(q Querier) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name: ToolExecuteQuery,
			Desc: "Execute a read-only PostgreSQL SELECT statement and return the rows. Quote mixed-case column names with double quotes. Writes are rejected.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {
					Type:     schema.String,
					Desc:     "A single SELECT statement",
					Required: true,
				},
			}),
		},
		func(ctx context.Context, in *ExecuteQueryInput) ([]Row, error) {
			rows, err := q.QueryReadOnly(ctx, in.Query)
			if err != nil {
				return nil, fmt.Errorf("PostgreSQL query error: %w", err)
			}
			return rows, nil
		},
	)
}

const tablesSQL = `SELECT table_name
FROM information_schema.tables
WHERE table_schema = 'public'
ORDER BY table_name`

func createAvailableTablesTool(q Querier) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name: ToolAvailableTables,
			Desc: "Get a list of all available tables.",
		},
		func(ctx context.Context, _ *noInput) ([]Row, error) {
			return q.Query(ctx, tablesSQL)
		},
	)
}

const fieldsSQL = `SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = $1
ORDER BY ordinal_position`

type AvailableFieldsInput struct {
	Table string `json:"table"`
}

func createAvailableFieldsTool(q Querier) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name: ToolAvailableFields,
			Desc: "Get the columns and their types for a table.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"table": {
					Type:     schema.String,
					Desc:     "Table name as returned by get_available_tables",
					Required: true,
				},
			}),
		},
		func(ctx context.Context, in *AvailableFieldsInput) ([]Row, error) {
			table := strings.Trim(strings.TrimSpace(in.Table), `"`)
			if table == "" {
				return errorRows("table is required"), nil
			}
			rows, err := q.Query(ctx, fieldsSQL, table)
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				return errorRows("Unknown table '%s'", table), nil
			}
			return rows, nil
		},
	)
}
