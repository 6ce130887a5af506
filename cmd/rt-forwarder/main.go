package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/racewire/rt-relay/internal/config"
	"github.com/racewire/rt-relay/internal/forwarder"
	"github.com/racewire/rt-relay/internal/logging"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "health" {
		runHealthCheck()
		return
	}

	configPath := flag.String("config", "/etc/rt-relay/forwarder.yaml", "path to forwarder config file")
	flag.Parse()

	cfg, err := config.LoadForwarderConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if err := forwarder.RunDaemon(*configPath, cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func runHealthCheck() {
	configPath := "/etc/rt-relay/forwarder.yaml"
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}

	cfg, err := config.LoadForwarderConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config for health check: %v\n", err)
		os.Exit(1)
	}

	if err := forwarder.RunHealthCheck(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
}
