package worker

import (
	"context"
	"log/slog"

	"fitsync/internal/metrics"
	"fitsync/internal/training"
)

const defaultBuffer = 64

// Deriver runs one derivation pass for a user. Satisfied by
// training.Pipeline.
type Deriver interface {
	DeriveMissing(ctx context.Context, userID int64) (*training.Result, error)
}

// Worker consumes sync-completed signals and runs the derivation pipeline
// for each. Signals are best-effort: a full buffer drops the signal rather
// than blocking the sender, and the next sync re-signals anyway.
type Worker struct {
	deriver Deriver
	signals chan int64
	logger  *slog.Logger
}

// New creates a worker with the default signal buffer
func New(deriver Deriver) *Worker {
	return &Worker{
		deriver: deriver,
		signals: make(chan int64, defaultBuffer),
		logger:  slog.Default(),
	}
}

// Notify queues a derivation pass for the user. Never blocks.
func (w *Worker) Notify(userID int64) {
	select {
	case w.signals <- userID:
	default:
		w.logger.Warn("derivation signal dropped, buffer full", "user_id", userID)
	}
}

// Start runs the consume loop until the context is cancelled
func (w *Worker) Start(ctx context.Context) {
	metrics.WorkerActive.Set(1)
	defer metrics.WorkerActive.Set(0)

	w.logger.Info("derivation worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("derivation worker stopping")
			return
		case userID := <-w.signals:
			metrics.WorkerSignalsTotal.Inc()
			result, err := w.deriver.DeriveMissing(ctx, userID)
			if err != nil {
				w.logger.Error("derivation pass failed", "user_id", userID, "error", err)
				continue
			}
			if result.Processed > 0 {
				w.logger.Info("derivation pass finished",
					"user_id", userID, "processed", result.Processed, "skipped", result.Skipped)
			}
		}
	}
}
