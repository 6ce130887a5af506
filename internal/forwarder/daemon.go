package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/racewire/rt-relay/internal/config"
	"github.com/racewire/rt-relay/internal/journal"
)

// RunDaemon starts the forwarder: opens the journal, dials every
// configured reader_ip, and keeps one uplink session to the server
// alive, reconnecting as needed. Blocks until SIGTERM/SIGINT. SIGHUP
// reloads the reader list and uplink settings without losing
// journalled, unacknowledged events — the journal file itself is never
// recreated on reload.
func RunDaemon(configPath string, cfg *config.ForwarderConfig, logger *slog.Logger) error {
	logger.Info("starting forwarder daemon", "forwarder_id", cfg.Forwarder.ID, "readers", len(cfg.Readers))

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()

	run, cancel := startForwarderRun(cfg, j, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)

			newCfg, loadErr := config.LoadForwarderConfig(configPath)
			if loadErr != nil {
				logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}

			cancel()
			run.wait(10 * time.Second)

			cfg = newCfg
			run, cancel = startForwarderRun(cfg, j, logger)

			logger.Info("config reloaded successfully", "forwarder_id", cfg.Forwarder.ID, "readers", len(cfg.Readers))
			continue
		}

		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		run.wait(30 * time.Second)
		return nil
	}
}

type forwarderRun struct {
	done chan struct{}
}

func (r *forwarderRun) wait(timeout time.Duration) {
	select {
	case <-r.done:
	case <-time.After(timeout):
	}
}

func startForwarderRun(cfg *config.ForwarderConfig, j *journal.Journal, logger *slog.Logger) (*forwarderRun, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	run := &forwarderRun{done: make(chan struct{})}

	pool := NewReaderPool(1024, logger)
	for _, r := range cfg.Readers {
		reader, err := NewTimingReader(cfg.Forwarder.ID, r.ReaderIP, j, cfg.Uplink.InitialBackoff, cfg.Uplink.MaxBackoff, logger)
		if err != nil {
			logger.Error("failed to initialize reader, skipping", "reader_ip", r.ReaderIP, "error", err)
			continue
		}
		pool.Add(reader)
	}

	monitor := NewSystemMonitor(logger)
	monitor.Start()

	uplink := NewUplink(cfg, j, pool, monitor, logger)

	go func() {
		defer close(run.done)
		defer monitor.Stop()

		poolDone := make(chan struct{})
		go func() {
			defer close(poolDone)
			pool.Run(ctx)
		}()

		uplink.Run(ctx)
		<-poolDone
	}()

	return run, cancel
}

// RunHealthCheck dials the configured server URL's host:port and
// reports whether a TCP connection can be established. It does not
// perform the WebSocket handshake or authenticate — it answers only
// "is something listening", the same scope as the teacher's PING probe.
func RunHealthCheck(cfg *config.ForwarderConfig) error {
	host, err := serverHost(cfg.Server.URL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("connecting for health check: %w", err)
	}
	defer conn.Close()

	fmt.Println("Server status: REACHABLE")
	return nil
}

func serverHost(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server.url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("empty server host in %q", serverURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	return u.Host + ":443", nil
}
