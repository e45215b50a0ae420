package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"dev/bravebird/render-verify/pkg/api"
	"dev/bravebird/render-verify/pkg/config"
	"dev/bravebird/render-verify/pkg/database"
	"dev/bravebird/render-verify/pkg/verify"
)

func main() {
	log.Println("Starting Render Verify API Server")

	configPath := flag.String("config", "", "optional YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := tlog.NewStructuredLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	// Initialize database
	var store api.RunStore
	if cfg.MySQLDSN != "" {
		db, err := database.New(cfg.MySQLDSN)
		if err != nil {
			log.Printf("Warning: Failed to connect to database: %v", err)
			log.Println("Running without database persistence")
		} else {
			defer db.Close()
			if err := db.Migrate(context.Background()); err != nil {
				log.Fatalf("Failed to migrate database: %v", err)
			}
			store = db
		}
	}

	// Initialize Temporal client; without it verifications run inline
	var temporalClient client.Client
	tc, err := client.Dial(client.Options{
		HostPort: cfg.TemporalHost,
		Logger:   logger,
	})
	if err != nil {
		log.Printf("Warning: Failed to create Temporal client: %v", err)
		log.Println("Running verifications inline")
	} else {
		defer tc.Close()
		temporalClient = tc
	}

	handlers := api.NewHandlers(store, temporalClient, cfg, verify.NewRunner(cfg, logger), logger)

	// Inline verifications hold the response open for the whole run.
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.WithCORS(api.NewRouter(handlers)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
