package verify

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.temporal.io/sdk/log"

	"dev/bravebird/render-verify/pkg/models"
)

// DefaultStepTimeout bounds a blocking step when no timeout is configured.
const DefaultStepTimeout = 30 * time.Second

// bound scopes page to ctx and a timeout. The returned cancel must be called.
func bound(ctx context.Context, page *rod.Page, timeout time.Duration) (*rod.Page, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return page.Context(ctx), cancel
}

// Navigate loads url and waits for the load event. A main document answered
// with a status outside 2xx is an error.
func Navigate(ctx context.Context, page *rod.Page, url string, timeout time.Duration) error {
	p, cancel := bound(ctx, page, timeout)
	defer cancel()

	status := 0
	wait := p.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument {
			return false
		}
		status = e.Response.Status
		return true
	})

	if err := p.Navigate(url); err != nil {
		return stepErr(models.StepNavigate, fmt.Errorf("failed to navigate to %s: %w", url, err))
	}
	wait()

	if status != 0 && (status < 200 || status > 299) {
		return stepErr(models.StepNavigate, fmt.Errorf("%s answered with status %d", url, status))
	}

	if err := p.WaitLoad(); err != nil {
		return stepErr(models.StepNavigate, fmt.Errorf("failed waiting for load: %w", err))
	}
	return nil
}

// WaitReady blocks until an element matching selector exists in the page.
func WaitReady(ctx context.Context, page *rod.Page, selector string, timeout time.Duration) error {
	p, cancel := bound(ctx, page, timeout)
	defer cancel()

	if _, err := p.Element(selector); err != nil {
		return stepErr(models.StepReady, fmt.Errorf("selector %q: %w", selector, err))
	}
	return nil
}

// Settle waits for in-page animation to finish. In delay mode it sleeps for
// limit. In stable mode it polls viewport screenshots every interval until two
// consecutive ones match, giving up once limit has fully elapsed. Giving up is not an error: the
// returned bool reports whether the page was seen stable.
func Settle(ctx context.Context, page *rod.Page, mode models.SettleMode, limit, every time.Duration, logger log.Logger) (bool, error) {
	if mode != models.SettleStable {
		if limit <= 0 {
			return true, nil
		}
		t := time.NewTimer(limit)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false, stepErr(models.StepSettle, ctx.Err())
		case <-t.C:
			return true, nil
		}
	}

	if every <= 0 {
		every = 250 * time.Millisecond
	}
	deadline := time.Now().Add(limit)

	var last [md5.Size]byte
	polls := 0
	for {
		data, err := page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if err != nil {
			return false, stepErr(models.StepSettle, fmt.Errorf("failed to sample page: %w", err))
		}
		sum := md5.Sum(data)
		if polls > 0 && sum == last {
			logger.Debug("Page stable", "polls", polls+1)
			return true, nil
		}
		last = sum
		polls++

		remaining := time.Until(deadline)
		if remaining <= 0 {
			logger.Warn("Page never settled, capturing anyway", "polls", polls, "limit", limit)
			return false, nil
		}

		// The last poll lands on the deadline.
		t := time.NewTimer(min(every, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return false, stepErr(models.StepSettle, ctx.Err())
		case <-t.C:
		}
	}
}

// Capture writes a PNG of the page to path, replacing any existing file. The
// image is written to a temporary file first so a failed capture never leaves
// a partial image behind. It returns the number of bytes written.
func Capture(ctx context.Context, page *rod.Page, fullPage bool, path string, timeout time.Duration) (int, error) {
	p, cancel := bound(ctx, page, timeout)
	defer cancel()

	data, err := p.Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return 0, stepErr(models.StepCapture, fmt.Errorf("failed to take screenshot: %w", err))
	}
	if len(data) == 0 {
		return 0, stepErr(models.StepCapture, fmt.Errorf("browser returned an empty screenshot"))
	}

	if err := writeFileAtomic(path, data); err != nil {
		return 0, stepErr(models.StepCapture, err)
	}
	return len(data), nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create screenshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("failed to save screenshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to save screenshot: %w", err)
	}
	if err := os.Chmod(name, 0644); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to save screenshot: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to save screenshot: %w", err)
	}
	return nil
}
