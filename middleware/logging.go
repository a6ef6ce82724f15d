package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs step start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		verb := "step started"
		if inv.Compensating {
			verb = "compensation started"
		}
		logger.Info(verb,
			slog.String("transaction_id", inv.TransactionID.String()),
			slog.String("workflow_id", inv.WorkflowID),
			slog.String("step", inv.StepName),
			slog.Int("attempt", inv.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("step failed",
				slog.String("transaction_id", inv.TransactionID.String()),
				slog.String("step", inv.StepName),
				slog.Int("attempt", inv.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("step completed",
				slog.String("transaction_id", inv.TransactionID.String()),
				slog.String("step", inv.StepName),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
