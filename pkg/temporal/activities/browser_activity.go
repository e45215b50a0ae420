package activities

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"

	"dev/bravebird/render-verify/pkg/browser"
	"dev/bravebird/render-verify/pkg/config"
	"dev/bravebird/render-verify/pkg/models"
	"dev/bravebird/render-verify/pkg/temporal/workflows"
	"dev/bravebird/render-verify/pkg/verify"
)

// RunRecorder persists run progress. *database.DB satisfies it.
type RunRecorder interface {
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, result *models.RunResult, errorMsg string) error
}

// SessionPool tracks live browser sessions between activities
type SessionPool struct {
	sessions map[string]*browser.Session
	mu       sync.RWMutex
}

// NewSessionPool creates an empty pool
func NewSessionPool() *SessionPool {
	return &SessionPool{sessions: make(map[string]*browser.Session)}
}

func (p *SessionPool) get(id string) (*browser.Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("browser session %s not found", id)
	}
	return s, nil
}

func (p *SessionPool) put(s *browser.Session) {
	p.mu.Lock()
	p.sessions[s.ID] = s
	p.mu.Unlock()
}

func (p *SessionPool) remove(id string) *browser.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.sessions[id]
	delete(p.sessions, id)
	return s
}

// Len reports the number of open sessions
func (p *SessionPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// CloseAll closes every open session, used on worker shutdown
func (p *SessionPool) CloseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*browser.Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Activities holds activity implementations
type Activities struct {
	Browser       browser.Options
	Timeouts      config.Timeouts
	ScreenshotDir string
	Recorder      RunRecorder
	Pool          *SessionPool
}

// NewActivities creates activities from the worker configuration. recorder
// may be nil when no run store is configured.
func NewActivities(cfg *config.Config, browserOpts browser.Options, recorder RunRecorder) *Activities {
	return &Activities{
		Browser:       browserOpts,
		Timeouts:      cfg.Timeouts,
		ScreenshotDir: cfg.ScreenshotDir,
		Recorder:      recorder,
		Pool:          NewSessionPool(),
	}
}

// InitializeBrowserActivity launches a browser and opens a blank page
func (a *Activities) InitializeBrowserActivity(ctx context.Context, input workflows.BrowserInitInput) (workflows.BrowserSession, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Initializing browser session", "headless", input.Headless)

	opts := a.Browser
	opts.Headless = input.Headless

	s, err := browser.Launch(ctx, opts)
	if err != nil {
		return workflows.BrowserSession{}, err
	}
	a.Pool.put(s)

	logger.Info("Browser session created", "sessionID", s.ID, "pid", s.PID())

	return workflows.BrowserSession{
		SessionID: s.ID,
		PID:       s.PID(),
	}, nil
}

// CloseBrowserActivity closes a browser session. Unknown sessions are
// treated as already closed.
func (a *Activities) CloseBrowserActivity(ctx context.Context, sessionID string) error {
	logger := activity.GetLogger(ctx)

	s := a.Pool.remove(sessionID)
	if s == nil {
		logger.Info("Browser session already closed", "sessionID", sessionID)
		return nil
	}
	logger.Info("Closing browser session", "sessionID", sessionID, "age", time.Since(s.CreatedAt))
	return s.Close()
}

// NavigateActivity loads the target URL
func (a *Activities) NavigateActivity(ctx context.Context, input workflows.NavigateInput) error {
	logger := activity.GetLogger(ctx)
	logger.Info("Navigating", "sessionID", input.SessionID, "url", input.URL)

	s, err := a.Pool.get(input.SessionID)
	if err != nil {
		return err
	}
	return verify.Navigate(ctx, s.Page(), input.URL, a.Timeouts.Navigate)
}

// WaitReadyActivity blocks until the ready selector matches
func (a *Activities) WaitReadyActivity(ctx context.Context, input workflows.ReadyInput) error {
	logger := activity.GetLogger(ctx)
	logger.Info("Waiting for element", "sessionID", input.SessionID, "selector", input.Selector)

	s, err := a.Pool.get(input.SessionID)
	if err != nil {
		return err
	}
	activity.RecordHeartbeat(ctx, input.Selector)
	return verify.WaitReady(ctx, s.Page(), input.Selector, a.Timeouts.Ready)
}

// SettleActivity waits for rendering to finish and reports whether the page
// reached a stable state.
func (a *Activities) SettleActivity(ctx context.Context, input workflows.SettleInput) (bool, error) {
	logger := activity.GetLogger(ctx)

	s, err := a.Pool.get(input.SessionID)
	if err != nil {
		return false, err
	}

	delay := time.Duration(input.DelayMs) * time.Millisecond
	every := time.Duration(input.IntervalMs) * time.Millisecond
	activity.RecordHeartbeat(ctx, string(input.Mode))

	return verify.Settle(ctx, s.Page(), input.Mode, delay, every, logger)
}

// TakeScreenshotActivity captures the page as PNG into the screenshot
// directory and returns the written path.
func (a *Activities) TakeScreenshotActivity(ctx context.Context, input workflows.ScreenshotInput) (workflows.CaptureOutput, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Taking screenshot", "sessionID", input.SessionID)

	s, err := a.Pool.get(input.SessionID)
	if err != nil {
		return workflows.CaptureOutput{}, err
	}

	// Only the base name is honoured so callers cannot escape the directory.
	path := filepath.Join(a.ScreenshotDir, filepath.Base(input.Filename))
	n, err := verify.Capture(ctx, s.Page(), input.FullPage, path, a.Timeouts.Capture)
	if err != nil {
		return workflows.CaptureOutput{}, err
	}

	logger.Info("Screenshot saved", "path", path, "bytes", n)
	return workflows.CaptureOutput{Path: path, Bytes: n}, nil
}

// RecordRunActivity writes run progress to the run store, if any
func (a *Activities) RecordRunActivity(ctx context.Context, result models.RunResult) error {
	if a.Recorder == nil {
		return nil
	}
	var res *models.RunResult
	if result.Status.Terminal() {
		res = &result
	}
	return a.Recorder.UpdateRunStatus(ctx, result.RunID, result.Status, res, result.ErrorMessage)
}
