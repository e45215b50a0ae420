package workflows

import (
	"fmt"
	"path/filepath"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"dev/bravebird/render-verify/pkg/config"
	"dev/bravebird/render-verify/pkg/models"
)

// DefaultTimeout is the per-activity budget when the input leaves it unset.
const DefaultTimeout = 120

// VerificationWorkflow runs the render check for one target through
// activities. The browser session is always closed, even on cancellation.
func VerificationWorkflow(ctx workflow.Context, input models.VerificationInput) (models.RunResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting verification workflow", "runID", input.RunID, "start", input.Target.Start, "goal", input.Target.Goal)

	result := models.RunResult{
		RunID:  input.RunID,
		Status: models.StatusRunning,
	}

	// Register query handler for real-time progress
	err := workflow.SetQueryHandler(ctx, "getProgress", func() (models.RunResult, error) {
		return result, nil
	})
	if err != nil {
		logger.Error("Failed to register query handler", "error", err)
	}

	startTime := workflow.Now(ctx)

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// The sequence is never retried; a failure ends the run.
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Duration(timeout) * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	finish := func(status models.RunStatus, step models.Step, err error) (models.RunResult, error) {
		if temporal.IsCanceledError(err) {
			status = models.StatusCanceled
		}
		result.Status = status
		result.TotalDuration = workflow.Now(ctx).Sub(startTime).Milliseconds()
		if err != nil {
			result.FailedStep = step
			result.ErrorMessage = fmt.Sprintf("%s: %v", step, err)
		}
		record(ctx, result)
		logger.Info("Verification workflow completed", "status", result.Status, "duration", result.TotalDuration)
		return result, nil
	}

	url, err := config.TargetURL(input.Target)
	if err != nil {
		return finish(models.StatusFailed, models.StepValidate, err)
	}
	result.URL = url
	record(ctx, result)

	step := func(name models.Step, activity string, in interface{}, out interface{}) error {
		began := workflow.Now(ctx)
		err := workflow.ExecuteActivity(ctx, activity, in).Get(ctx, out)
		if err == nil {
			result.Steps = append(result.Steps, models.StepTiming{
				Step:     name,
				Duration: workflow.Now(ctx).Sub(began).Milliseconds(),
			})
		}
		return err
	}

	var session BrowserSession
	if err := step(models.StepLaunch, "InitializeBrowserActivity", BrowserInitInput{Headless: input.Headless}, &session); err != nil {
		return finish(models.StatusFailed, models.StepLaunch, err)
	}
	result.BrowserPID = session.PID

	defer func() {
		// Cleanup runs on a disconnected context so cancellation cannot skip it.
		closeCtx, _ := workflow.NewDisconnectedContext(ctx)
		err := workflow.ExecuteActivity(closeCtx, "CloseBrowserActivity", session.SessionID).Get(closeCtx, nil)
		if err != nil {
			logger.Warn("Failed to close browser session", "sessionID", session.SessionID, "error", err)
		}
	}()

	if err := step(models.StepNavigate, "NavigateActivity", NavigateInput{SessionID: session.SessionID, URL: url}, nil); err != nil {
		return finish(models.StatusFailed, models.StepNavigate, err)
	}

	ready := ReadyInput{SessionID: session.SessionID, Selector: input.Target.ReadySelector}
	if err := step(models.StepReady, "WaitReadyActivity", ready, nil); err != nil {
		return finish(models.StatusFailed, models.StepReady, err)
	}

	settle := SettleInput{
		SessionID:  session.SessionID,
		Mode:       input.Target.Settle,
		DelayMs:    input.Target.SettleDelay.Milliseconds(),
		IntervalMs: input.Target.StableEvery.Milliseconds(),
	}
	var stable bool
	if err := step(models.StepSettle, "SettleActivity", settle, &stable); err != nil {
		return finish(models.StatusFailed, models.StepSettle, err)
	}

	shot := ScreenshotInput{
		SessionID: session.SessionID,
		Filename:  screenshotName(input),
		FullPage:  input.Target.FullPage,
	}
	var capture CaptureOutput
	if err := step(models.StepCapture, "TakeScreenshotActivity", shot, &capture); err != nil {
		return finish(models.StatusFailed, models.StepCapture, err)
	}
	result.OutputPath = capture.Path
	result.Bytes = capture.Bytes

	return finish(models.StatusSuccess, "", nil)
}

// record stores progress when a run store is configured. Failures are logged
// and never fail the run.
func record(ctx workflow.Context, result models.RunResult) {
	if result.RunID == "" {
		return
	}
	ctx, _ = workflow.NewDisconnectedContext(ctx)
	err := workflow.ExecuteActivity(ctx, "RecordRunActivity", result).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("Failed to record run", "runID", result.RunID, "error", err)
	}
}

func screenshotName(input models.VerificationInput) string {
	name := filepath.Base(input.Target.OutputPath)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = input.RunID + ".png"
	}
	return name
}

// BrowserSession holds browser session information
type BrowserSession struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
}

// BrowserInitInput is the input for browser initialization
type BrowserInitInput struct {
	Headless bool `json:"headless"`
}

// NavigateInput is the input for NavigateActivity
type NavigateInput struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// ReadyInput is the input for WaitReadyActivity
type ReadyInput struct {
	SessionID string `json:"session_id"`
	Selector  string `json:"selector"`
}

// SettleInput is the input for SettleActivity
type SettleInput struct {
	SessionID  string            `json:"session_id"`
	Mode       models.SettleMode `json:"mode"`
	DelayMs    int64             `json:"delay_ms"`
	IntervalMs int64             `json:"interval_ms"`
}

// ScreenshotInput is the input for taking a screenshot
type ScreenshotInput struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	FullPage  bool   `json:"full_page"`
}

// CaptureOutput describes a written screenshot
type CaptureOutput struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// RunWorkflowID is the Temporal workflow ID of the verification for runID.
func RunWorkflowID(runID string) string {
	return "verify-" + runID
}

// SweepRunID is the run ID given to the i-th pair of a sweep.
func SweepRunID(sweepID string, i int) string {
	return fmt.Sprintf("%s-%d", sweepID, i)
}

// SweepWorkflow verifies several start/goal pairs in parallel, one child
// workflow per pair. A pair repeated within the sweep is failed without being
// run, since both would write the same screenshot.
func SweepWorkflow(ctx workflow.Context, input models.SweepInput) (models.SweepResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting sweep", "sweepID", input.SweepID, "pairs", len(input.Pairs))

	result := models.SweepResult{
		SweepID: input.SweepID,
		Results: make([]models.RunResult, len(input.Pairs)),
	}

	selector := workflow.NewSelector(ctx)
	seen := make(map[string]bool, len(input.Pairs))
	pending := 0

	for i, pair := range input.Pairs {
		runID := SweepRunID(input.SweepID, i)
		name := fmt.Sprintf("%s-%s", pair.Start, pair.Goal)

		if seen[name] {
			logger.Warn("Skipping duplicate pair", "sweepID", input.SweepID, "pair", name)
			result.Results[i] = models.RunResult{
				RunID:        runID,
				Status:       models.StatusFailed,
				FailedStep:   models.StepValidate,
				ErrorMessage: fmt.Sprintf("%s: duplicate pair %s", models.StepValidate, name),
			}
			record(ctx, result.Results[i])
			continue
		}
		seen[name] = true

		target := input.Target
		target.Start = pair.Start
		target.Goal = pair.Goal
		target.OutputPath = name + ".png"

		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: RunWorkflowID(runID),
		})

		future := workflow.ExecuteChildWorkflow(childCtx, VerificationWorkflow, models.VerificationInput{
			RunID:    runID,
			Target:   target,
			Headless: input.Headless,
			Timeout:  input.Timeout,
		})
		pending++

		idx := i
		selector.AddFuture(future, func(f workflow.Future) {
			var childResult models.RunResult
			if err := f.Get(ctx, &childResult); err != nil {
				childResult = models.RunResult{
					RunID:        runID,
					Status:       models.StatusFailed,
					ErrorMessage: err.Error(),
				}
			}
			result.Results[idx] = childResult
		})
	}

	// Wait for all child workflows to complete
	for ; pending > 0; pending-- {
		selector.Select(ctx)
	}

	logger.Info("Sweep completed", "sweepID", input.SweepID, "pairs", len(input.Pairs))
	return result, nil
}
