package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/racewire/rt-relay/internal/config"
	"github.com/racewire/rt-relay/internal/protocol"
	"github.com/racewire/rt-relay/internal/receiver/ports"
)

// portReconcileInterval is how often the daemon re-derives port
// assignments from the cached subscription list, picking up operator
// edits made through the cache without requiring a restart.
const portReconcileInterval = 10 * time.Second

// RunDaemon starts the receiver: opens the local cache, connects to
// the server, applies fanned-out batches to local TCP listeners per
// subscribed stream, and reconciles port assignments as subscriptions
// change. Blocks until SIGTERM/SIGINT. SIGHUP is only logged: it tears
// nothing down and does not trigger a reload, since the subscription
// list is re-read on the next periodic reconcile tick anyway.
func RunDaemon(configPath string, cfg *config.ReceiverConfig, logger *slog.Logger) error {
	logger.Info("starting receiver daemon", "receiver_id", cfg.Receiver.ID)

	cache, err := Open(cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer cache.Close()

	if err := cache.IntegrityCheck(); err != nil {
		return fmt.Errorf("cache integrity check: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		runReceiver(ctx, cfg, cache, logger)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, subscription list will reload on next reconcile tick")
			continue
		}

		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
		}
		return nil
	}
}

func runReceiver(ctx context.Context, cfg *config.ReceiverConfig, cache *Cache, logger *slog.Logger) {
	manager := NewListenerManager(logger)
	defer manager.CloseAll()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reconcileLoop(ctx, cache, manager, logger)
	}()

	modeFn := func() protocol.ReceiverMode {
		if cfg.Receiver.Mode == protocol.ReceiverModeRace {
			return protocol.ReceiverMode{Kind: protocol.ReceiverModeRace, RaceID: cfg.Receiver.RaceID}
		}
		return protocol.ReceiverMode{Kind: protocol.ReceiverModeLive}
	}

	session := NewSession(cfg, cache, manager, modeFn, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		session.Run(ctx)
	}()

	wg.Wait()
}

// reconcileLoop periodically recomputes port assignments from the
// cached subscription list and applies them to the listener manager,
// so subscriptions added or changed through the cache (by an operator
// tool, out of scope here) take effect without a daemon restart.
func reconcileLoop(ctx context.Context, cache *Cache, manager *ListenerManager, logger *slog.Logger) {
	ticker := time.NewTicker(portReconcileInterval)
	defer ticker.Stop()

	reconcileOnce(ctx, cache, manager, logger)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcileOnce(ctx, cache, manager, logger)
		}
	}
}

func reconcileOnce(ctx context.Context, cache *Cache, manager *ListenerManager, logger *slog.Logger) {
	subs, err := cache.LoadSubscriptions()
	if err != nil {
		logger.Error("failed to load subscriptions for port reconcile", "error", err)
		return
	}

	portSubs := make([]ports.Subscription, len(subs))
	for i, s := range subs {
		portSubs[i] = ports.Subscription{
			ForwarderID:       s.ForwarderID,
			ReaderIP:          s.ReaderIP,
			LocalPortOverride: s.LocalPortOverride,
		}
	}

	assignments := ports.ResolvePorts(portSubs)
	for key, a := range assignments {
		if a.Collision {
			logger.Warn("port collision, no listener bound", "stream", key.String(), "wanted", a.Wanted)
		}
	}

	manager.Reconcile(ctx, assignments)
}
