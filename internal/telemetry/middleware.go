// Package telemetry wraps generation runs with cross-cutting concerns:
// panic recovery, logging, tracing and metrics.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rendergate/rendergate/internal/job"
)

// Handler performs one generation run.
type Handler func(ctx context.Context) error

// Middleware wraps a run of j. It must call next unless it short-circuits
// with an error.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes mws; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw, inner := mws[i], h
			h = func(ctx context.Context) error {
				return mw(ctx, j, inner)
			}
		}
		return h(ctx)
	}
}

// Recover turns a panic in the run into an error.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("generation run panicked",
					slog.String("job_id", j.ID),
					slog.String("backend", j.Backend),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic in run of job %s: %v", j.ID, r)
			}
		}()
		return next(ctx)
	}
}

// Logging logs the start and outcome of each run.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("generation started",
			slog.String("job_id", j.ID),
			slog.String("backend", j.Backend),
			slog.Int("attempt", j.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("generation failed",
				slog.String("job_id", j.ID),
				slog.String("backend", j.Backend),
				slog.Int("attempt", j.Attempt),
				slog.Duration("duration", elapsed),
				slog.String("error", err.Error()),
			)
			return err
		}
		logger.Info("generation completed",
			slog.String("job_id", j.ID),
			slog.String("backend", j.Backend),
			slog.Duration("duration", elapsed),
		)
		return nil
	}
}
