package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bring2life/bring2life-backend/pkg/logger"
)

// queryLogger routes gorm's output through the service logger. Only failed
// and slow statements are logged, at warn level: callers decide whether a
// failure (a unique violation, say) is an error. Missing rows stay quiet.
type queryLogger struct {
	logg *logger.Logger
	slow time.Duration
}

func newQueryLogger(logg *logger.Logger, slow time.Duration) gormlogger.Interface {
	return queryLogger{logg: logg, slow: slow}
}

func (q queryLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return q }

func (q queryLogger) Info(ctx context.Context, msg string, args ...any) {
	q.logg.Info(ctx, fmt.Sprintf(msg, args...))
}

func (q queryLogger) Warn(ctx context.Context, msg string, args ...any) {
	q.logg.Warn(ctx, fmt.Sprintf(msg, args...))
}

func (q queryLogger) Error(ctx context.Context, msg string, args ...any) {
	q.logg.Error(ctx, fmt.Sprintf(msg, args...), nil)
}

func (q queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	slow := q.slow > 0 && elapsed > q.slow
	if !failed && !slow {
		return
	}

	query, rows := fc()
	ctx = q.logg.WithFields(ctx, map[string]any{
		"sql":        query,
		"rows":       rows,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	if failed {
		q.logg.Warn(q.logg.WithField(ctx, "error", err.Error()), "query failed")
		return
	}
	q.logg.Warn(ctx, "slow query")
}
