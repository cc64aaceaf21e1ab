// Package hooks provides bun query hooks and registry metrics for modelkit.
//
// Queries run by a modelkit Manager carry the model and manager operation
// in their context (see WithOperation); every hook reports them.
package hooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
)

// LoggerHook logs failed queries, queries slower than a threshold and, when
// verbose, every query at debug level
type LoggerHook struct {
	logger        *slog.Logger
	verbose       bool
	slowThreshold time.Duration
	now           func() time.Time
}

var _ bun.QueryHook = (*LoggerHook)(nil)

// NewLoggerHook creates a new logger hook. A zero slowThreshold disables
// slow query warnings.
func NewLoggerHook(logger *slog.Logger, verbose bool, slowThreshold time.Duration) *LoggerHook {
	return &LoggerHook{
		logger:        logger,
		verbose:       verbose,
		slowThreshold: slowThreshold,
		now:           time.Now,
	}
}

func (h *LoggerHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (h *LoggerHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	duration := h.now().Sub(event.StartTime)
	slow := h.slowThreshold > 0 && duration >= h.slowThreshold

	level, msg := slog.LevelDebug, "database query"
	switch {
	case event.Err != nil:
		level, msg = slog.LevelError, "database query failed"
	case slow:
		level, msg = slog.LevelWarn, "slow database query"
	case !h.verbose:
		return
	}
	if !h.logger.Enabled(ctx, level) {
		return
	}

	attrs := []slog.Attr{
		slog.Duration("duration", duration),
		slog.String("operation", OperationType(event.Query)),
	}
	if table := QueryTable(event); table != "" {
		attrs = append(attrs, slog.String("table", table))
	}
	if op, ok := OperationFrom(ctx); ok {
		attrs = append(attrs, slog.String("model", op.Model), slog.String("op", op.Op))
	}
	if h.verbose || slow {
		attrs = append(attrs, slog.String("query", truncate(event.Query)))
	}
	if event.Err != nil {
		attrs = append(attrs, slog.String("error", event.Err.Error()))
	}
	h.logger.LogAttrs(ctx, level, msg, attrs...)
}
