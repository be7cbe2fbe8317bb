package consultation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper runs Service.Sweep on a fixed interval.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		logger:   logger.With().Str("component", "session-sweeper").Logger(),
	}
}

// Run sweeps once immediately and then on every tick. It blocks until ctx
// is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	sw.RunOnce(ctx)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and logs what it moved.
func (sw *Sweeper) RunOnce(ctx context.Context) SweepResult {
	res, err := sw.svc.Sweep(ctx, sw.svc.now())
	if err != nil {
		sw.logger.Error().Err(err).Msg("session sweep failed")
	}
	if res.Total() > 0 {
		sw.logger.Info().
			Int("promoted", res.Promoted).
			Int("expired", res.Expired).
			Int("abandoned", res.Abandoned).
			Msg("session sweep")
	}
	return res
}
