package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"dev/bravebird/render-verify/pkg/api"
	"dev/bravebird/render-verify/pkg/config"
	"dev/bravebird/render-verify/pkg/database"
	"dev/bravebird/render-verify/pkg/temporal/activities"
	"dev/bravebird/render-verify/pkg/temporal/workflows"
	"dev/bravebird/render-verify/pkg/verify"
)

func main() {
	configPath := flag.String("config", "", "optional YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := tlog.NewStructuredLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	// Create Temporal client
	c, err := client.Dial(client.Options{
		HostPort: cfg.TemporalHost,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to create Temporal client: %v", err)
	}
	defer c.Close()

	// Run history is optional
	var recorder activities.RunRecorder
	if cfg.MySQLDSN != "" {
		db, err := database.New(cfg.MySQLDSN)
		if err != nil {
			log.Printf("Warning: Failed to connect to database: %v", err)
			log.Println("Running without run history")
		} else {
			defer db.Close()
			recorder = db
		}
	}

	// Create activities
	acts := activities.NewActivities(cfg, verify.BrowserOptions(cfg), recorder)
	defer acts.Pool.CloseAll()

	// Browsers are heavy; keep concurrent activities low.
	w := worker.New(c, api.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     5,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	// Register workflows
	w.RegisterWorkflow(workflows.VerificationWorkflow)
	w.RegisterWorkflow(workflows.SweepWorkflow)

	// Register activities
	w.RegisterActivity(acts.InitializeBrowserActivity)
	w.RegisterActivity(acts.CloseBrowserActivity)
	w.RegisterActivity(acts.NavigateActivity)
	w.RegisterActivity(acts.WaitReadyActivity)
	w.RegisterActivity(acts.SettleActivity)
	w.RegisterActivity(acts.TakeScreenshotActivity)
	w.RegisterActivity(acts.RecordRunActivity)

	log.Printf("Starting Temporal worker on task queue: %s", api.TaskQueue)
	log.Printf("Temporal host: %s", cfg.TemporalHost)
	log.Printf("Screenshot directory: %s", cfg.ScreenshotDir)

	// Start worker
	err = w.Run(worker.InterruptCh())
	if err != nil {
		log.Fatalf("Worker failed: %v", err)
	}
}
