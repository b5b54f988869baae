package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically cancels stale incomplete groups. The lazy check on
// the read path preserves correctness on its own; the sweeper bounds how
// long a stale bill lingers between reads.
type Sweeper struct {
	service  *Service
	interval time.Duration
}

func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		service:  service,
		interval: interval,
	}
}

// Start begins the expiration sweep loop
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "expiration_sweeper").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting expiration sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down expiration sweeper")
			return
		case <-ticker.C:
			expired, err := s.service.ExpireSweep(time.Now())
			if err != nil {
				logger.Error().Err(err).Msg("expiration sweep failed")
				continue
			}
			if expired > 0 {
				logger.Info().Int("expired", expired).Msg("expiration sweep completed")
			}
		}
	}
}
