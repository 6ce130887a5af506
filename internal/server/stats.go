package server

import (
	"context"
	"log/slog"
	"time"
)

// startStatsReporter logs per-interval stream and fan-out counts,
// mirroring the teacher's StartStatsReporter cadence and shape but
// over the registry/broadcaster state this server tracks instead of
// byte counters.
func startStatsReporter(ctx context.Context, registry *Registry, broadcaster *Broadcaster, logger *slog.Logger) {
	ticker := time.NewTicker(statsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			streams := registry.Snapshot()

			var subscribers int
			for _, s := range streams {
				subscribers += broadcaster.SubscriberCount(s.StreamID)
			}

			logger.Info("server stats",
				"streams", len(streams),
				"fanout_topics", broadcaster.TopicCount(),
				"receiver_subscriptions", subscribers,
			)
		}
	}
}
