// Package browser owns the lifetime of one headless Chromium process and the
// single tab a verification run drives.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// Options configures how Chromium is launched.
type Options struct {
	Bin       string // Empty = CHROME_BIN or rod's lookup
	Headless  bool
	NoSandbox bool
	Width     int
	Height    int
	Flags     map[string]string // Extra command line switches
}

// Session is a launched browser with one open page.
type Session struct {
	ID        string
	CreatedAt time.Time

	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	pid      int

	closeOnce sync.Once
	closeErr  error
}

// Launch starts Chromium, connects to it and opens a blank page. On error
// nothing is left running. ctx bounds only the start-up: once Launch returns,
// the session lives until Close.
func Launch(ctx context.Context, opts Options) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := launcher.New()
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	l = l.Headless(opts.Headless)

	// Needed when running as root inside containers.
	if opts.NoSandbox {
		l = l.Set("no-sandbox")
		l = l.Set("disable-dev-shm-usage")
	}
	l = l.Set("disable-gpu")
	for name, value := range opts.Flags {
		if value == "" {
			l = l.Set(flags.Flag(name))
		} else {
			l = l.Set(flags.Flag(name), value)
		}
	}

	var u string
	err := startup(ctx, func() error {
		var err error
		u, err = l.Launch()
		return err
	}, func() {
		if l.PID() > 0 {
			l.Kill()
			l.Cleanup()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	s := &Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		launcher:  l,
		pid:       l.PID(),
	}

	// Killing the process also drops a late connection.
	b := rod.New().ControlURL(u)
	if err := startup(ctx, b.Connect, func() { s.Close() }); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	s.browser = b

	page, err := s.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	s.page = page

	if opts.Width > 0 && opts.Height > 0 {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.Width,
			Height:            opts.Height,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to set viewport: %w", err)
		}
	}

	return s, nil
}

// startup runs fn until it returns or ctx is done. fn has no context of its
// own, so on cancellation it is left to finish in the background and release
// then frees whatever it managed to start. release also runs when fn fails.
func startup(ctx context.Context, fn func() error, release func()) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		if err != nil {
			release()
		}
		return err
	case <-ctx.Done():
		go func() {
			<-done
			release()
		}()
		return ctx.Err()
	}
}

// With launches a session, runs fn and closes the session on every exit path,
// panics included. A close error is returned only when fn succeeded.
func With(ctx context.Context, opts Options, fn func(*Session) error) (err error) {
	s, err := Launch(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

// Page returns the session's tab.
func (s *Session) Page() *rod.Page {
	return s.page
}

// PID returns the process id of the launched browser.
func (s *Session) PID() int {
	return s.pid
}

// Close closes the browser and kills its process. Only the first call does
// any work; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.browser != nil {
			if err := s.browser.Close(); err != nil {
				s.closeErr = fmt.Errorf("failed to close browser: %w", err)
			}
		}
		if s.launcher != nil {
			s.launcher.Kill()
			s.launcher.Cleanup()
		}
	})
	return s.closeErr
}
