package activities

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"dev/bravebird/render-verify/pkg/browser"
	"dev/bravebird/render-verify/pkg/config"
	"dev/bravebird/render-verify/pkg/models"
	"dev/bravebird/render-verify/pkg/temporal/workflows"
)

type recordedStatus struct {
	id     string
	status models.RunStatus
	result *models.RunResult
	errMsg string
}

type fakeRecorder struct {
	updates []recordedStatus
}

func (f *fakeRecorder) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, result *models.RunResult, errorMsg string) error {
	f.updates = append(f.updates, recordedStatus{id, status, result, errorMsg})
	return nil
}

func newTestActivities(t *testing.T, recorder RunRecorder) *Activities {
	t.Helper()
	cfg := config.Default()
	cfg.ScreenshotDir = t.TempDir()
	cfg.Timeouts.Ready = 5 * time.Second
	return NewActivities(cfg, browser.Options{Headless: true, NoSandbox: true, Width: 800, Height: 600}, recorder)
}

func TestRecordRunActivity(t *testing.T) {
	var s testsuite.WorkflowTestSuite
	env := s.NewTestActivityEnvironment()

	recorder := &fakeRecorder{}
	acts := newTestActivities(t, recorder)
	env.RegisterActivity(acts)

	_, err := env.ExecuteActivity(acts.RecordRunActivity, models.RunResult{RunID: "run-1", Status: models.StatusRunning})
	require.NoError(t, err)

	_, err = env.ExecuteActivity(acts.RecordRunActivity, models.RunResult{
		RunID:        "run-1",
		Status:       models.StatusFailed,
		FailedStep:   models.StepReady,
		ErrorMessage: "ready: timeout",
	})
	require.NoError(t, err)

	require.Len(t, recorder.updates, 2)
	assert.Nil(t, recorder.updates[0].result, "non-terminal updates carry no result")
	assert.Equal(t, models.StatusFailed, recorder.updates[1].status)
	require.NotNil(t, recorder.updates[1].result)
	assert.Equal(t, models.StepReady, recorder.updates[1].result.FailedStep)
	assert.Equal(t, "ready: timeout", recorder.updates[1].errMsg)
}

func TestRecordRunActivityWithoutStore(t *testing.T) {
	var s testsuite.WorkflowTestSuite
	env := s.NewTestActivityEnvironment()

	acts := newTestActivities(t, nil)
	env.RegisterActivity(acts)

	_, err := env.ExecuteActivity(acts.RecordRunActivity, models.RunResult{RunID: "run-1", Status: models.StatusSuccess})
	assert.NoError(t, err)
}

func TestUnknownSession(t *testing.T) {
	var s testsuite.WorkflowTestSuite
	env := s.NewTestActivityEnvironment()

	acts := newTestActivities(t, nil)
	env.RegisterActivity(acts)

	_, err := env.ExecuteActivity(acts.CloseBrowserActivity, "missing")
	assert.NoError(t, err, "closing an unknown session is a no-op")

	_, err = env.ExecuteActivity(acts.NavigateActivity, workflows.NavigateInput{SessionID: "missing", URL: "http://localhost:3000"})
	assert.Error(t, err)
}

func TestBrowserActivitiesEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("browser test skipped in short mode")
	}
	bin := os.Getenv("CHROME_BIN")
	if bin == "" {
		var ok bool
		if bin, ok = launcher.LookPath(); !ok {
			t.Skip("no chromium found")
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><svg class="w-full h-full"></svg></body></html>`))
	}))
	defer srv.Close()

	var s testsuite.WorkflowTestSuite
	env := s.NewTestActivityEnvironment()

	acts := newTestActivities(t, nil)
	acts.Browser.Bin = bin
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.InitializeBrowserActivity, workflows.BrowserInitInput{Headless: true})
	require.NoError(t, err)
	var session workflows.BrowserSession
	require.NoError(t, val.Get(&session))
	defer acts.Pool.CloseAll()
	assert.Equal(t, 1, acts.Pool.Len())

	_, err = env.ExecuteActivity(acts.NavigateActivity, workflows.NavigateInput{SessionID: session.SessionID, URL: srv.URL + "/game?start=JPN&goal=FRA"})
	require.NoError(t, err)

	_, err = env.ExecuteActivity(acts.WaitReadyActivity, workflows.ReadyInput{SessionID: session.SessionID, Selector: "svg.w-full.h-full"})
	require.NoError(t, err)

	_, err = env.ExecuteActivity(acts.SettleActivity, workflows.SettleInput{SessionID: session.SessionID, Mode: models.SettleDelay, DelayMs: 100})
	require.NoError(t, err)

	val, err = env.ExecuteActivity(acts.TakeScreenshotActivity, workflows.ScreenshotInput{SessionID: session.SessionID, Filename: "../escape.png"})
	require.NoError(t, err)
	var out workflows.CaptureOutput
	require.NoError(t, val.Get(&out))
	assert.Equal(t, filepath.Join(acts.ScreenshotDir, "escape.png"), out.Path)
	assert.Positive(t, out.Bytes)
	assert.FileExists(t, out.Path)

	_, err = env.ExecuteActivity(acts.CloseBrowserActivity, session.SessionID)
	require.NoError(t, err)
	assert.Zero(t, acts.Pool.Len())
}
