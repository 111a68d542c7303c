package services

import (
	"context"
	"log/slog"
	"time"
)

// ExpiryWorker periodically sweeps pending sessions whose TTL has elapsed.
type ExpiryWorker struct {
	sessions *SessionService
	interval time.Duration
	logger   *slog.Logger
}

func NewExpiryWorker(sessions *SessionService, interval time.Duration, logger *slog.Logger) *ExpiryWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpiryWorker{sessions: sessions, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx ends.
func (w *ExpiryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("⏱️ expiry worker started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("expiry worker stopped")
			return nil
		case <-ticker.C:
			if _, err := w.sessions.ExpireStaleSessions(ctx); err != nil {
				w.logger.Error("❌ expiry sweep failed", "error", err)
			}
		}
	}
}
