// Package worker runs background maintenance for the index.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRetention is how long resolved pending changes are kept.
const DefaultRetention = 7 * 24 * time.Hour

// Sweeper is what the expiry worker drives; the index service implements it.
type Sweeper interface {
	Sweep(ctx context.Context, retention time.Duration) (expired, purged int, err error)
}

// ExpiryWorker periodically expires overdue pending changes and purges old
// resolved ones. Correctness never depends on it running.
type ExpiryWorker struct {
	sweeper   Sweeper
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

type Option func(*ExpiryWorker)

func WithRetention(d time.Duration) Option {
	return func(w *ExpiryWorker) {
		if d > 0 {
			w.retention = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *ExpiryWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func NewExpiryWorker(sweeper Sweeper, interval time.Duration, opts ...Option) *ExpiryWorker {
	w := &ExpiryWorker{
		sweeper:   sweeper,
		interval:  interval,
		retention: DefaultRetention,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps every interval until ctx is cancelled. A failed sweep is logged
// and retried on the next tick.
func (w *ExpiryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce performs a single sweep.
func (w *ExpiryWorker) RunOnce(ctx context.Context) {
	expired, purged, err := w.sweeper.Sweep(ctx, w.retention)
	if err != nil {
		w.logger.ErrorContext(ctx, "pending change sweep failed", "error", err)
		return
	}
	if expired > 0 || purged > 0 {
		w.logger.InfoContext(ctx, "pending changes swept", "expired", expired, "purged", purged)
	}
}
