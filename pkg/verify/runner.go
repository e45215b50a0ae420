// Package verify drives one browser through the render check: launch, open a
// page, navigate, wait for the ready selector, settle, capture, tear down.
package verify

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/log"

	"dev/bravebird/render-verify/pkg/browser"
	"dev/bravebird/render-verify/pkg/config"
	"dev/bravebird/render-verify/pkg/models"
)

// Runner executes verification runs against a configuration.
type Runner struct {
	cfg    *config.Config
	logger log.Logger
}

// NewRunner creates a runner
func NewRunner(cfg *config.Config, logger log.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger}
}

// BrowserOptions maps the browser section of cfg to launch options.
func BrowserOptions(cfg *config.Config) browser.Options {
	return browser.Options{
		Bin:       cfg.Browser.Bin,
		Headless:  cfg.Browser.Headless,
		NoSandbox: cfg.Browser.NoSandbox,
		Width:     cfg.Browser.Width,
		Height:    cfg.Browser.Height,
		Flags:     cfg.Browser.Flags,
	}
}

// Run verifies the configured target.
func (r *Runner) Run(ctx context.Context) (*models.RunResult, error) {
	return r.RunTarget(ctx, uuid.New().String(), r.cfg.Target)
}

// RunTarget verifies target and returns the result. The error, when not nil,
// is a *StepError naming the failed step; the result is always populated.
func (r *Runner) RunTarget(ctx context.Context, runID string, target models.Target) (*models.RunResult, error) {
	result := &models.RunResult{
		RunID:  runID,
		Status: models.StatusRunning,
	}
	started := time.Now()

	err := r.run(ctx, target, result)

	result.TotalDuration = time.Since(started).Milliseconds()
	if err != nil {
		result.Status = models.StatusFailed
		result.FailedStep = FailedStep(err)
		result.ErrorMessage = err.Error()
		r.logger.Error("Verification failed", "runID", runID, "step", result.FailedStep, "error", err)
		return result, err
	}

	result.Status = models.StatusSuccess
	r.logger.Info("Verification complete", "runID", runID, "output", result.OutputPath, "bytes", result.Bytes, "duration", result.TotalDuration)
	return result, nil
}

func (r *Runner) run(ctx context.Context, target models.Target, result *models.RunResult) error {
	url, err := config.TargetURL(target)
	if err != nil {
		return stepErr(models.StepValidate, err)
	}
	result.URL = url

	output, err := filepath.Abs(target.OutputPath)
	if err != nil {
		return stepErr(models.StepValidate, err)
	}

	timer := newStepTimer(result)
	timer.begin(models.StepLaunch)
	r.logger.Info("Launching browser", "headless", r.cfg.Browser.Headless)

	launched := false
	var finished time.Time
	err = browser.With(ctx, BrowserOptions(r.cfg), func(s *browser.Session) error {
		launched = true
		result.BrowserPID = s.PID()
		timer.end()
		r.logger.Info("Browser session created", "sessionID", s.ID, "pid", s.PID())
		defer func() { finished = time.Now() }()
		return r.drive(ctx, s, target, url, output, timer, result)
	})

	if !launched {
		return stepErr(models.StepLaunch, err)
	}
	result.Steps = append(result.Steps, models.StepTiming{
		Step:     models.StepTeardown,
		Duration: time.Since(finished).Milliseconds(),
	})
	return stepErr(models.StepTeardown, err)
}

func (r *Runner) drive(ctx context.Context, s *browser.Session, target models.Target, url, output string, timer *stepTimer, result *models.RunResult) error {
	page := s.Page()
	timeouts := r.cfg.Timeouts

	timer.begin(models.StepNavigate)
	r.logger.Info("Navigating", "url", url)
	if err := Navigate(ctx, page, url, timeouts.Navigate); err != nil {
		return err
	}
	timer.end()

	timer.begin(models.StepReady)
	r.logger.Info("Waiting for ready selector", "selector", target.ReadySelector)
	if err := WaitReady(ctx, page, target.ReadySelector, timeouts.Ready); err != nil {
		return err
	}
	timer.end()

	timer.begin(models.StepSettle)
	stable, err := Settle(ctx, page, target.Settle, target.SettleDelay, target.StableEvery, r.logger)
	if err != nil {
		return err
	}
	timer.end()
	r.logger.Debug("Settled", "mode", target.Settle, "stable", stable)

	timer.begin(models.StepCapture)
	n, err := Capture(ctx, page, target.FullPage, output, timeouts.Capture)
	if err != nil {
		return err
	}
	timer.end()

	result.OutputPath = output
	result.Bytes = n
	return nil
}

// stepTimer appends a StepTiming per completed step.
type stepTimer struct {
	result *models.RunResult
	step   models.Step
	start  time.Time
}

func newStepTimer(result *models.RunResult) *stepTimer {
	return &stepTimer{result: result}
}

func (t *stepTimer) begin(step models.Step) {
	t.step = step
	t.start = time.Now()
}

func (t *stepTimer) end() {
	t.result.Steps = append(t.result.Steps, models.StepTiming{
		Step:     t.step,
		Duration: time.Since(t.start).Milliseconds(),
	})
}
