package observers

import (
	"context"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"

	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

type nodeStartKey struct{}

// newNodeHandler times each orchestrator node (memory limiter, router,
// agents, final).
func newNodeHandler() einocb.Handler {
	return einocb.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, info *einocb.RunInfo, _ einocb.CallbackInput) context.Context {
			logx.Debug().Str("node", info.Name).Msg("Node started")
			return context.WithValue(ctx, nodeStartKey{}, time.Now())
		}).
		OnEndFn(func(ctx context.Context, info *einocb.RunInfo, _ einocb.CallbackOutput) context.Context {
			logx.Debug().Str("node", info.Name).Dur("elapsed", since(ctx)).Msg("Node finished")
			return ctx
		}).
		OnErrorFn(func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Warn().Err(err).Str("node", info.Name).Dur("elapsed", since(ctx)).Msg("Node failed")
			return ctx
		}).
		Build()
}

func since(ctx context.Context) time.Duration {
	if start, ok := ctx.Value(nodeStartKey{}).(time.Time); ok {
		return time.Since(start)
	}
	return 0
}
