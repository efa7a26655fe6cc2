package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/jackc/pgx/v5/pgtype"

	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

// Sentinel keys. A tool result that consists of exactly one record keyed by
// one of these is a status report rather than data.
const (
	SentinelError   = "error"
	SentinelWarning = "warning"
	SentinelInfo    = "info"
)

func errorRows(format string, args ...any) []Row {
	return []Row{{SentinelError: fmt.Sprintf(format, args...)}}
}

func warningRows(format string, args ...any) []Row {
	return []Row{{SentinelWarning: fmt.Sprintf(format, args...)}}
}

func infoRows(format string, args ...any) []Row {
	return []Row{{SentinelInfo: fmt.Sprintf(format, args...)}}
}

// SentinelKind returns the sentinel key when rows is a single sentinel record.
func SentinelKind(rows []Row) (string, bool) {
	if len(rows) != 1 || len(rows[0]) != 1 {
		return "", false
	}
	for _, k := range []string{SentinelError, SentinelWarning, SentinelInfo} {
		if _, ok := rows[0][k]; ok {
			return k, true
		}
	}
	return "", false
}

type noInput struct{}

// newRowsTool builds a tool that never fails: errors and panics come back as
// an error record, and an empty result as a warning record.
func newRowsTool[T any](info *schema.ToolInfo, fn func(ctx context.Context, in *T) ([]Row, error)) tool.InvokableTool {
	return utils.NewTool(info, func(ctx context.Context, in *T) (out []Row, err error) {
		defer func() {
			if r := recover(); r != nil {
				logx.Error().Str("tool", info.Name).Msgf("panic recovered: %v", r)
				out, err = errorRows("tool %s failed unexpectedly", info.Name), nil
			}
		}()

		if in == nil {
			in = new(T)
		}
		rows, ferr := fn(ctx, in)
		if ferr != nil {
			logx.Warn().Err(ferr).Str("tool", info.Name).Msg("tool returned error record")
			return errorRows("%v", ferr), nil
		}
		if len(rows) == 0 {
			return warningRows("No results found"), nil
		}
		for _, r := range rows {
			normalizeRow(r)
		}
		return rows, nil
	})
}

// normalizeRow converts driver-specific values into plain JSON-friendly ones.
func normalizeRow(r Row) {
	for k, v := range r {
		switch vv := v.(type) {
		case pgtype.Numeric:
			if f, err := vv.Float64Value(); err == nil && f.Valid {
				r[k] = f.Float64
			} else {
				r[k] = nil
			}
		case time.Time:
			r[k] = vv.Format(time.DateOnly)
		case [16]byte:
			r[k] = fmt.Sprintf("%x-%x-%x-%x-%x", vv[0:4], vv[4:6], vv[6:8], vv[8:10], vv[10:16])
		}
	}
}
