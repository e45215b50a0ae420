package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dev/bravebird/render-verify/pkg/models"
)

func TestStepErrorMatching(t *testing.T) {
	cause := errors.New("net::ERR_CONNECTION_REFUSED")

	tests := []struct {
		name string
		err  error
		kind error
		step models.Step
	}{
		{"Launch", stepErr(models.StepLaunch, cause), ErrLaunch, models.StepLaunch},
		{"Navigate", stepErr(models.StepNavigate, cause), ErrNavigate, models.StepNavigate},
		{"Ready", stepErr(models.StepReady, cause), ErrNotReady, models.StepReady},
		{"Capture", stepErr(models.StepCapture, cause), ErrCapture, models.StepCapture},
		{"Teardown", stepErr(models.StepTeardown, cause), ErrTeardown, models.StepTeardown},
		{"Wrapped again", fmt.Errorf("run: %w", stepErr(models.StepReady, cause)), ErrNotReady, models.StepReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.kind) {
				t.Errorf("errors.Is(%v, kind) = false", tt.err)
			}
			if !errors.Is(tt.err, cause) {
				t.Errorf("errors.Is(%v, cause) = false", tt.err)
			}
			if got := FailedStep(tt.err); got != tt.step {
				t.Errorf("FailedStep() = %s, want %s", got, tt.step)
			}
		})
	}
}

func TestStepErrKeepsFirstStep(t *testing.T) {
	err := stepErr(models.StepTeardown, stepErr(models.StepNavigate, errors.New("boom")))
	if FailedStep(err) != models.StepNavigate {
		t.Errorf("FailedStep() = %s, want navigate", FailedStep(err))
	}
	if errors.Is(err, ErrTeardown) {
		t.Error("a navigation failure must not be reported as teardown")
	}
	if stepErr(models.StepTeardown, nil) != nil {
		t.Error("stepErr(nil) should be nil")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "screenshot.png")

	if err := writeFileAtomic(path, []byte("first")); err != nil {
		t.Fatalf("writeFileAtomic() error = %v", err)
	}
	if err := writeFileAtomic(path, []byte("second")); err != nil {
		t.Fatalf("writeFileAtomic() overwrite error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want second", data)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}

func TestWriteFileAtomicUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	// A regular file where a directory is expected.
	if err := writeFileAtomic(filepath.Join(blocker, "screenshot.png"), []byte("x")); err == nil {
		t.Error("expected an error")
	}
}

func TestSettleDelay(t *testing.T) {
	started := time.Now()
	stable, err := Settle(context.Background(), nil, models.SettleDelay, 50*time.Millisecond, 0, testLogger())
	if err != nil || !stable {
		t.Fatalf("Settle() = %v, %v", stable, err)
	}
	if time.Since(started) < 50*time.Millisecond {
		t.Error("Settle returned before the delay elapsed")
	}
}

func TestSettleDelayCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Settle(ctx, nil, models.SettleDelay, time.Hour, 0, testLogger())
	if !errors.Is(err, ErrSettle) || !errors.Is(err, context.Canceled) {
		t.Errorf("Settle() error = %v, want ErrSettle wrapping context.Canceled", err)
	}
}
