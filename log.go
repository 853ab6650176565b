package apiviews

import (
	"context"
	"log/slog"

	"github.com/nhalm/canonlog"
)

// annotate adds fields to the canonical log line of ctx, if there is one.
func annotate(ctx context.Context, fields map[string]any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, fields)
	}
}

// logError records err on the canonical log line of ctx, or emits a
// standalone slog record when ctx carries no canonical logger.
func logError(ctx context.Context, msg string, err error, fields map[string]any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, fields)
		canonlog.ErrorAdd(ctx, err)
		return
	}

	args := make([]any, 0, 2*len(fields)+2)
	args = append(args, "error", err)
	for k, v := range fields {
		args = append(args, k, v)
	}
	slog.ErrorContext(ctx, msg, args...)
}
