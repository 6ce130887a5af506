package receiver

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/racewire/rt-relay/internal/receiver/ports"
)

func TestReconcileOnceBindsNonCollidingSubscriptions(t *testing.T) {
	cache, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	defer cache.Close()

	if err := cache.SaveSubscription("fwd-1", "10.0.0.1", nil); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	manager := NewListenerManager(slog.Default())
	defer manager.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconcileOnce(ctx, cache, manager, slog.Default())

	manager.mu.RLock()
	_, bound := manager.byStreamKey[ports.StreamKey{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1"}]
	manager.mu.RUnlock()
	if !bound {
		t.Fatal("expected a listener bound for the single subscription")
	}
}

func TestReconcileOnceLeavesCollidingSubscriptionsUnbound(t *testing.T) {
	cache, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	defer cache.Close()

	if err := cache.SaveSubscription("f1", "192.168.1.100", nil); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}
	if err := cache.SaveSubscription("f2", "10.0.0.100", nil); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	manager := NewListenerManager(slog.Default())
	defer manager.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconcileOnce(ctx, cache, manager, slog.Default())

	manager.mu.RLock()
	defer manager.mu.RUnlock()
	if len(manager.byStreamKey) != 0 {
		t.Fatalf("expected no listeners bound for colliding subscriptions, got %d", len(manager.byStreamKey))
	}
}
