package invites

import (
	"context"
	"time"
)

// RunSweeper expires overdue invites every interval until ctx is cancelled.
// A non-positive interval disables the sweeper.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logger.Error("invite sweep failed", "error", err)
			}
		}
	}
}
