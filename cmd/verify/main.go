// Command verify opens the game page in a headless browser, waits for the map
// to render and saves a screenshot. It takes no arguments; the target can be
// changed through VERIFY_* environment variables or a -config YAML file.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tlog "go.temporal.io/sdk/log"

	"dev/bravebird/render-verify/pkg/config"
	"dev/bravebird/render-verify/pkg/verify"
)

func main() {
	configPath := flag.String("config", "", "optional YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := tlog.NewStructuredLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	// Interrupts cancel the run so the browser is still torn down.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := verify.NewRunner(cfg, logger)
	result, err := runner.Run(ctx)
	if err != nil {
		stop()
		os.Exit(1)
	}

	logger.Info("Screenshot saved", "path", result.OutputPath)
}
