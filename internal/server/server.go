package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/racewire/rt-relay/internal/config"
	"github.com/racewire/rt-relay/internal/pki"
	"github.com/racewire/rt-relay/internal/server/repo"
)

// statsReportInterval matches the cadence the teacher's stats reporter
// uses for its own periodic log line.
const statsReportInterval = 15 * time.Second

// Run starts the rt-server daemon and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	store, err := OpenStore(cfg.Database.DSN, cfg.Database.MaxConnections)
	if err != nil {
		return err
	}
	defer store.Close()

	streams := repo.NewStreams(store.DB)
	events := repo.NewEvents(store.DB)
	cursors := repo.NewReceiverCursors(store.DB)
	tokens := repo.NewDeviceTokens(store.DB)
	races := repo.NewRaces(store.DB)

	registry := NewRegistry(streams)
	if err := registry.Preload(); err != nil {
		return fmt.Errorf("server: preloading stream registry: %w", err)
	}

	broadcaster := NewBroadcaster(cfg.Fanout.ChannelCapacity)
	auth := NewAuthenticator(tokens)
	handler := NewHandler(cfg, logger, auth, registry, broadcaster, events, cursors, races)

	var ln net.Listener
	if cfg.TLS.ServerCert != "" {
		tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
		if err != nil {
			return fmt.Errorf("server: configuring TLS: %w", err)
		}
		ln, err = tls.Listen("tcp", cfg.Server.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("server: listening on %s: %w", cfg.Server.Listen, err)
		}
	} else {
		ln, err = net.Listen("tcp", cfg.Server.Listen)
		if err != nil {
			return fmt.Errorf("server: listening on %s: %w", cfg.Server.Listen, err)
		}
	}
	logger.Info("server listening", "address", cfg.Server.Listen, "tls", cfg.TLS.ServerCert != "")

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	httpSrv := &http.Server{Handler: mux}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- httpSrv.Serve(ln)
	}()

	var adminLn net.Listener
	if cfg.Admin.Listen != "" {
		adminLn, err = net.Listen("tcp", cfg.Admin.Listen)
		if err != nil {
			return fmt.Errorf("server: listening on admin address %s: %w", cfg.Admin.Listen, err)
		}
		admin := NewAdminServer(registry, handler, logger)
		adminSrv := &http.Server{Handler: admin}
		go func() {
			logger.Info("admin surface listening", "address", cfg.Admin.Listen)
			if err := adminSrv.Serve(adminLn); err != nil && err != http.ErrServerClosed {
				logger.Error("admin surface error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			adminSrv.Shutdown(shutdownCtx)
		}()
	}

	var archivalJob *cron.Cron
	if cfg.Archival.Enabled {
		archivalJob = cron.New()
		archiver := NewArchiver(cfg, registry, events, cursors, logger)
		_, err := archivalJob.AddFunc(cfg.Archival.Schedule, func() {
			if err := archiver.Run(ctx); err != nil {
				logger.Error("archival run failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("server: scheduling archival job %q: %w", cfg.Archival.Schedule, err)
		}
		archivalJob.Start()
		defer archivalJob.Stop()
	}

	go startStatsReporter(ctx, registry, broadcaster, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
		if adminLn != nil {
			adminLn.Close()
		}
		return nil
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: accept loop: %w", err)
		}
		return nil
	}
}
