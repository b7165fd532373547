package auth

import (
	"context"
	"errors"
	"time"
)

const reaperDeleteTimeout = 10 * time.Second

// RunReaper periodically purges expired tokens that nobody tried to use
// again (use-time validation only cleans up tokens it sees). Runs once at
// startup, then on every tick, until ctx is cancelled.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.log.Error("token reaper disabled: interval must be positive", "interval", interval)
		return
	}

	s.reapOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce(ctx)
		}
	}
}

func (s *Service) reapOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, reaperDeleteTimeout)
	defer cancel()

	deleted, err := s.tokens.DeleteExpiredTokens(cctx, s.now())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		s.log.Error("token reap failed", "err", err)
		return
	}
	if deleted > 0 {
		s.log.Info("expired tokens reaped", "count", deleted)
	}
}
