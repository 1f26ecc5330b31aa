package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/clock"
)

// Sweeper removes autosave entries that outlived their attempt.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// AutosaveSweeper periodically sweeps the autosave cache. It matters for
// backends without key expiry; on Redis every sweep is a no-op.
type AutosaveSweeper struct {
	cache    Sweeper
	clock    clock.Clock
	interval time.Duration
	log      zerolog.Logger
}

// NewAutosaveSweeper creates a new AutosaveSweeper.
func NewAutosaveSweeper(cache Sweeper, clk clock.Clock, interval time.Duration, log zerolog.Logger) *AutosaveSweeper {
	return &AutosaveSweeper{
		cache:    cache,
		clock:    clk,
		interval: interval,
		log:      log.With().Str("component", "autosave_sweeper").Logger(),
	}
}

// Start sweeps once immediately and then every interval until ctx is done.
// Call in a goroutine.
func (w *AutosaveSweeper) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")

	w.sweep(ctx, w.clock.Now())
	t := w.clock.Every(w.interval, func(now time.Time) {
		w.sweep(ctx, now)
	})

	<-ctx.Done()
	t.Stop()
	w.log.Info().Msg("Worker stopped")
}

func (w *AutosaveSweeper) sweep(ctx context.Context, now time.Time) {
	if ctx.Err() != nil {
		return
	}

	removed, err := w.cache.Sweep(ctx, now)
	if err != nil {
		w.log.Error().Err(err).Int("removed", removed).Msg("Autosave sweep failed")
		return
	}
	if removed > 0 {
		w.log.Info().Int("removed", removed).Msg("Swept expired autosave entries")
	}
}
