package progress

import "context"

// Reporter receives human-readable status lines while a request is processed.
type Reporter func(status string)

type reporterKey struct{}

// WithReporter attaches r to ctx. Streaming transports use it to forward
// node and tool progress to the client.
func WithReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

// Report sends status to the reporter in ctx, if any.
func Report(ctx context.Context, status string) {
	if r, ok := ctx.Value(reporterKey{}).(Reporter); ok && r != nil {
		r(status)
	}
}
