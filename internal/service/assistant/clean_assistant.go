package assistant

import (
	"context"
	"log"
	"time"
)

const DefaultTokenCleanupInterval = time.Hour

// TokenPurger deletes expired login tokens.
type TokenPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// StartTokenCleaner purges expired login tokens every interval until ctx
// ends.
func (s *Service) StartTokenCleaner(ctx context.Context, purger TokenPurger, interval time.Duration) {
	if purger == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultTokenCleanupInterval
	}
	go s.cleanupLoop(ctx, purger, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, purger TokenPurger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupExpiredTokens(ctx, purger)
		}
	}
}

func (s *Service) cleanupExpiredTokens(ctx context.Context, purger TokenPurger) {
	n, err := purger.PurgeExpired(ctx)
	if err != nil {
		log.Printf("cleanup expired tokens error: %v", err)
		return
	}
	if n > 0 {
		log.Printf("cleanup removed %d expired tokens", n)
	}
}
