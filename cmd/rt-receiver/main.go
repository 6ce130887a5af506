package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/racewire/rt-relay/internal/config"
	"github.com/racewire/rt-relay/internal/logging"
	"github.com/racewire/rt-relay/internal/receiver"
)

func main() {
	configPath := flag.String("config", "/etc/rt-relay/receiver.yaml", "path to receiver config file")
	flag.Parse()

	cfg, err := config.LoadReceiverConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if err := receiver.RunDaemon(*configPath, cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}
