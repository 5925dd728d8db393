package conversation

import (
	"context"
	"fmt"
	"log/slog"
)

// Hydrate repopulates the store from the configured message log.
// Run once at startup, before normal traffic. Only contexts active
// within the TTL are loaded, bounded by the same caps the live store
// enforces, and each seeded entry's last activity is the timestamp of
// its newest loaded message. Already-resident keys are left alone.
//
// After seeding, records older than the load cutoff are pruned from
// the log on a best-effort basis; a prune failure is logged and
// ignored. A load failure is returned so the caller can fail startup
// rather than run with unverifiable partial state. Without a
// configured log, Hydrate does nothing.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.log == nil {
		return nil
	}

	since := s.clock.Now().Add(-s.ttl)

	contexts, err := s.log.LoadContexts(ctx, since, s.maxContexts, s.maxMessages)
	if err != nil {
		return fmt.Errorf("loading conversation contexts: %w", err)
	}

	seeded := 0
	for key, msgs := range contexts {
		if len(msgs) == 0 {
			continue
		}
		s.seed(key, msgs)
		seeded++
	}

	s.logger.Info("hydrated conversation store",
		slog.Int("contexts", seeded),
		slog.Time("since", since),
	)

	if err := s.log.PruneMessages(ctx, since); err != nil {
		s.logger.Warn("failed to prune stale messages",
			slog.Any("error", err),
		)
	}

	return nil
}
