package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"

	"dev/bravebird/render-verify/pkg/config"
	"dev/bravebird/render-verify/pkg/models"
	"dev/bravebird/render-verify/pkg/temporal/workflows"
)

const TaskQueue = "render-verify"

// RunStore is the run history used by the handlers. *database.DB satisfies it.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.VerificationRun) error
	SetTemporalIDs(ctx context.Context, id, workflowID, runID string) error
	GetRun(ctx context.Context, id string) (*models.VerificationRun, error)
	ListRuns(ctx context.Context, limit int) ([]models.VerificationRun, error)
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, result *models.RunResult, errorMsg string) error
}

// Verifier runs a verification in-process. *verify.Runner satisfies it.
type Verifier interface {
	RunTarget(ctx context.Context, runID string, target models.Target) (*models.RunResult, error)
}

// Handlers contains API handlers
type Handlers struct {
	store          RunStore
	temporalClient client.Client
	cfg            *config.Config
	runner         Verifier
	logger         log.Logger
	upgrader       websocket.Upgrader
	pollInterval   time.Duration
}

// NewHandlers creates new API handlers. store and temporalClient may be nil;
// without Temporal every verification runs inline.
func NewHandlers(store RunStore, temporalClient client.Client, cfg *config.Config, runner Verifier, logger log.Logger) *Handlers {
	return &Handlers{
		store:          store,
		temporalClient: temporalClient,
		cfg:            cfg,
		runner:         runner,
		logger:         logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pollInterval: 500 * time.Millisecond,
	}
}

// ==================== Verification Handlers ====================

// CreateVerification starts a verification of the configured target, with
// request fields overriding it.
func (h *Handlers) CreateVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	runID := uuid.New().String()
	target := h.target(req)
	target.OutputPath = runID + ".png"

	url, err := config.TargetURL(target)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	headless := h.cfg.Browser.Headless
	if req.Headless != nil {
		headless = *req.Headless
	}

	run := &models.VerificationRun{
		ID:     runID,
		Start:  target.Start,
		Goal:   target.Goal,
		URL:    url,
		Status: models.StatusPending,
	}
	if h.store != nil {
		if err := h.store.CreateRun(ctx, run); err != nil {
			http.Error(w, "Failed to create run: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if r.URL.Query().Get("inline") == "true" || h.temporalClient == nil {
		h.runInline(w, r, run, target)
		return
	}

	input := models.VerificationInput{
		RunID:    runID,
		Target:   target,
		Headless: headless,
	}

	workflowOptions := client.StartWorkflowOptions{
		ID:        workflows.RunWorkflowID(runID),
		TaskQueue: TaskQueue,
	}

	we, err := h.temporalClient.ExecuteWorkflow(ctx, workflowOptions, "VerificationWorkflow", input)
	if err != nil {
		if h.store != nil {
			h.store.UpdateRunStatus(ctx, runID, models.StatusFailed, nil, err.Error())
		}
		http.Error(w, "Failed to start workflow: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if h.store != nil {
		if err := h.store.SetTemporalIDs(ctx, runID, we.GetID(), we.GetRunID()); err != nil {
			h.logger.Warn("Failed to record workflow IDs", "runID", runID, "error", err)
		}
	}

	respondJSONStatus(w, http.StatusAccepted, map[string]interface{}{
		"run_id":               runID,
		"url":                  url,
		"temporal_workflow_id": we.GetID(),
		"temporal_run_id":      we.GetRunID(),
		"status":               models.StatusRunning,
	})
}

func (h *Handlers) runInline(w http.ResponseWriter, r *http.Request, run *models.VerificationRun, target models.Target) {
	if h.runner == nil {
		http.Error(w, "Inline verification not available", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()

	target.OutputPath = filepath.Join(h.cfg.ScreenshotDir, target.OutputPath)
	if h.store != nil {
		h.store.UpdateRunStatus(ctx, run.ID, models.StatusRunning, nil, "")
	}

	result, err := h.runner.RunTarget(ctx, run.ID, target)
	if err != nil {
		h.logger.Warn("Inline verification failed", "runID", run.ID, "error", err)
	}

	if h.store != nil {
		// The request context may already be gone; history must still be written.
		storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.UpdateRunStatus(storeCtx, run.ID, result.Status, result, result.ErrorMessage); err != nil {
			h.logger.Warn("Failed to record run", "runID", run.ID, "error", err)
		}
	}

	respondJSON(w, result)
}

// target applies request overrides to the configured target
func (h *Handlers) target(req models.VerifyRequest) models.Target {
	t := h.cfg.Target
	if req.Start != "" {
		t.Start = req.Start
	}
	if req.Goal != "" {
		t.Goal = req.Goal
	}
	if req.BaseURL != "" {
		t.BaseURL = req.BaseURL
	}
	if req.ReadySelector != "" {
		t.ReadySelector = req.ReadySelector
	}
	if req.Settle != "" {
		t.Settle = req.Settle
	}
	if req.SettleDelayMs > 0 {
		t.SettleDelay = time.Duration(req.SettleDelayMs) * time.Millisecond
	}
	if len(req.Query) > 0 {
		query := make(map[string]string, len(t.Query)+len(req.Query))
		for k, v := range t.Query {
			query[k] = v
		}
		for k, v := range req.Query {
			query[k] = v
		}
		t.Query = query
	}
	if req.FullPage != nil {
		t.FullPage = *req.FullPage
	}
	return t
}

// CreateSweep verifies several start/goal pairs in parallel
func (h *Handlers) CreateSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.temporalClient == nil {
		http.Error(w, "Temporal not available", http.StatusServiceUnavailable)
		return
	}

	var req models.SweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Pairs) == 0 {
		http.Error(w, "At least one pair is required", http.StatusBadRequest)
		return
	}

	sweepID := uuid.New().String()
	runIDs := make([]string, len(req.Pairs))
	seen := make(map[models.Pair]int, len(req.Pairs))
	for i, pair := range req.Pairs {
		if j, ok := seen[pair]; ok {
			http.Error(w, fmt.Sprintf("pair %d: duplicates pair %d (%s-%s)", i, j, pair.Start, pair.Goal), http.StatusBadRequest)
			return
		}
		seen[pair] = i
	}

	for i, pair := range req.Pairs {
		target := h.cfg.Target
		target.Start = pair.Start
		target.Goal = pair.Goal
		url, err := config.TargetURL(target)
		if err != nil {
			http.Error(w, fmt.Sprintf("pair %d: %v", i, err), http.StatusBadRequest)
			return
		}

		// Child workflows derive their run and workflow IDs the same way.
		runIDs[i] = workflows.SweepRunID(sweepID, i)
		if h.store != nil {
			run := &models.VerificationRun{
				ID:                 runIDs[i],
				TemporalWorkflowID: workflows.RunWorkflowID(runIDs[i]),
				Start:              pair.Start,
				Goal:               pair.Goal,
				URL:                url,
				Status:             models.StatusPending,
			}
			if err := h.store.CreateRun(ctx, run); err != nil {
				http.Error(w, "Failed to create run: "+err.Error(), http.StatusInternalServerError)
				return
			}
		}
	}

	headless := h.cfg.Browser.Headless
	if req.Headless != nil {
		headless = *req.Headless
	}

	input := models.SweepInput{
		SweepID:  sweepID,
		Target:   h.cfg.Target,
		Pairs:    req.Pairs,
		Headless: headless,
	}

	workflowOptions := client.StartWorkflowOptions{
		ID:        "sweep-" + sweepID,
		TaskQueue: TaskQueue,
	}

	we, err := h.temporalClient.ExecuteWorkflow(ctx, workflowOptions, "SweepWorkflow", input)
	if err != nil {
		http.Error(w, "Failed to start workflow: "+err.Error(), http.StatusInternalServerError)
		return
	}

	respondJSONStatus(w, http.StatusAccepted, map[string]interface{}{
		"sweep_id":             sweepID,
		"run_ids":              runIDs,
		"temporal_workflow_id": we.GetID(),
		"temporal_run_id":      we.GetRunID(),
	})
}

// ==================== Run Handlers ====================

// ListRuns lists recent runs, newest first
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.store == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.store.ListRuns(ctx, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondJSON(w, runs)
}

// GetRun retrieves a run
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if h.store == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	run, err := h.store.GetRun(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	respondJSON(w, run)
}

// CancelRun cancels the workflow behind a run. Inline runs have no workflow
// and cannot be canceled.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if h.store == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	run, err := h.store.GetRun(ctx, id)
	if err != nil || run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if run.Status.Terminal() {
		http.Error(w, "Run already finished", http.StatusConflict)
		return
	}

	if run.TemporalWorkflowID == "" {
		http.Error(w, "Run has no workflow to cancel", http.StatusConflict)
		return
	}
	if h.temporalClient == nil {
		http.Error(w, "Temporal not available", http.StatusServiceUnavailable)
		return
	}

	// Cancel Temporal workflow
	err = h.temporalClient.CancelWorkflow(ctx, run.TemporalWorkflowID, run.TemporalRunID)
	if err != nil {
		http.Error(w, "Failed to cancel workflow: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if err := h.store.UpdateRunStatus(ctx, id, models.StatusCanceled, nil, "Cancelled by user"); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]string{"status": string(models.StatusCanceled)})
}

// progress returns the latest known state of a run, preferring the live
// workflow over the run history.
func (h *Handlers) progress(ctx context.Context, runID string) (models.RunUpdate, bool) {
	if h.temporalClient != nil {
		resp, err := h.temporalClient.QueryWorkflow(ctx, workflows.RunWorkflowID(runID), "", "getProgress")
		if err == nil {
			var result models.RunResult
			if resp.Get(&result) == nil {
				return models.RunUpdate{RunID: runID, Status: result.Status, Result: &result}, true
			}
		}
	}

	if h.store != nil {
		run, err := h.store.GetRun(ctx, runID)
		if err == nil && run != nil {
			return models.RunUpdate{RunID: runID, Status: run.Status, Result: run.Result}, true
		}
	}
	return models.RunUpdate{}, false
}

// StreamRunUpdates streams run updates via WebSocket until the run finishes
func (h *Handlers) StreamRunUpdates(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var lastStatus models.RunStatus
	lastSteps := -1

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update, ok := h.progress(ctx, runID)
			if !ok {
				continue
			}

			steps := 0
			if update.Result != nil {
				steps = len(update.Result.Steps)
			}
			if update.Status == lastStatus && steps == lastSteps {
				continue
			}

			msg := models.WSMessage{Type: "run_update", Payload: update}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			lastStatus = update.Status
			lastSteps = steps

			if update.Status.Terminal() {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}

// ==================== Screenshot Handlers ====================

// ServeScreenshot serves a screenshot file
func (h *Handlers) ServeScreenshot(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]

	// Only files directly inside the screenshot directory are served.
	filePath := filepath.Join(h.cfg.ScreenshotDir, filepath.Base(filename))

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		http.Error(w, "Screenshot not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, filePath)
}

// ==================== Helpers ====================

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
