package browser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	if testing.Short() {
		t.Skip("browser test skipped in short mode")
	}
	bin := os.Getenv("CHROME_BIN")
	if bin == "" {
		var ok bool
		bin, ok = launcher.LookPath()
		if !ok {
			t.Skip("no chromium found")
		}
	}
	return Options{Bin: bin, Headless: true, NoSandbox: true, Width: 800, Height: 600}
}

func alive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func waitGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Errorf("process %d still alive", pid)
}

func TestLaunchAndClose(t *testing.T) {
	s, err := Launch(context.Background(), testOptions(t))
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	if s.ID == "" || s.PID() <= 0 || s.Page() == nil {
		t.Fatalf("session not initialised: id=%q pid=%d", s.ID, s.PID())
	}

	info, err := s.Page().Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.URL != "about:blank" {
		t.Errorf("page URL = %q, want about:blank", info.URL)
	}

	data, err := s.Page().Screenshot(false, nil)
	if err != nil {
		t.Fatalf("Screenshot() error = %v", err)
	}
	if len(data) == 0 {
		t.Error("empty screenshot")
	}

	pid := s.PID()
	first := s.Close()
	second := s.Close()
	if first != second {
		t.Errorf("Close() not idempotent: %v then %v", first, second)
	}
	waitGone(t, pid)
}

func TestWithClosesOnError(t *testing.T) {
	boom := errors.New("boom")
	var pid int

	err := With(context.Background(), testOptions(t), func(s *Session) error {
		pid = s.PID()
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("With() error = %v, want boom", err)
	}
	waitGone(t, pid)
}

func TestWithClosesOnPanic(t *testing.T) {
	opts := testOptions(t)
	var pid int

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was swallowed")
			}
		}()
		_ = With(context.Background(), opts, func(s *Session) error {
			pid = s.PID()
			panic("mid-run failure")
		})
	}()

	waitGone(t, pid)
}

func TestLaunchCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := With(ctx, Options{Headless: true}, func(*Session) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("With() error = %v, want context.Canceled", err)
	}
	if called {
		t.Error("fn must not run without a session")
	}
}

// fakeBrowser writes a shell script that stands in for Chromium.
func fakeBrowser(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "chrome")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLaunchHungBrowserHonoursContext(t *testing.T) {
	// Never prints a DevTools URL.
	bin := fakeBrowser(t, "exec sleep 5")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := Launch(ctx, Options{Bin: bin, Headless: true})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Launch() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Errorf("Launch() returned after %s, want prompt return on cancel", elapsed)
	}
}

func TestLaunchFailureRemovesProfile(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "profile")
	bin := fakeBrowser(t, `for a in "$@"; do
  case "$a" in --user-data-dir=*) mkdir -p "${a#--user-data-dir=}" ;; esac
done
exit 1`)

	_, err := Launch(context.Background(), Options{
		Bin:      bin,
		Headless: true,
		Flags:    map[string]string{"user-data-dir": profile},
	})
	if err == nil {
		t.Fatal("Launch() with a crashing browser should fail")
	}
	if _, err := os.Stat(profile); !os.IsNotExist(err) {
		t.Errorf("profile dir %s left behind (stat err = %v)", profile, err)
	}
}
