package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-portal/internal/sidestore"
)

// attemptRegistry is the slice of the attempt service the reaper needs.
type attemptRegistry interface {
	IsLive(attemptID uuid.UUID) bool
	EnqueueSubmit(attemptID uuid.UUID)
}

// ReaperWorker periodically scans the active-attempt registry for attempts
// past their deadline with no live controller — the browser was closed, or
// the portal restarted while an exam ran out. Each one is handed to the
// submit queue for forced submission, so closing the tab never lets a
// student escape expiry.
type ReaperWorker struct {
	store    *sidestore.Store
	registry attemptRegistry
	interval time.Duration
	log      zerolog.Logger
}

// NewReaperWorker creates a new ReaperWorker. A non-positive interval
// defaults to 30 seconds.
func NewReaperWorker(store *sidestore.Store, registry attemptRegistry, interval time.Duration, log zerolog.Logger) *ReaperWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ReaperWorker{
		store:    store,
		registry: registry,
		interval: interval,
		log:      log.With().Str("component", "reaper_worker").Logger(),
	}
}

// Start runs the sweep loop. Call in a goroutine. The first sweep runs
// immediately so attempts that expired during downtime are recovered at
// startup rather than one interval later.
func (w *ReaperWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ReaperWorker) sweep(ctx context.Context) {
	attempts, err := w.store.ActiveAttempts(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Registry scan error")
		return
	}

	reaped := 0
	now := time.Now()

	for _, id := range attempts {
		if w.registry.IsLive(id) {
			// A running controller owns this attempt; its own countdown
			// handles expiry.
			continue
		}

		clock, err := w.store.Clock(ctx, id)
		if errors.Is(err, sidestore.ErrNotFound) {
			// Stale registry entry left by a partial clear.
			if err := w.store.Clear(ctx, id); err != nil {
				w.log.Error().Err(err).Str("attempt_id", id.String()).Msg("Stale entry clear error")
			}
			continue
		}
		if err != nil {
			w.log.Error().Err(err).Str("attempt_id", id.String()).Msg("Clock read error")
			continue
		}

		if now.Before(clock.Deadline()) {
			continue
		}

		w.registry.EnqueueSubmit(id)
		reaped++
	}

	if reaped > 0 {
		w.log.Info().Int("count", reaped).Msg("Expired attempts queued for submission")
	}
}
