package database

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"dev/bravebird/render-verify/pkg/models"
)

// openTestDB connects to MYSQL_TEST_DSN or skips.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN not set")
	}
	db, err := New(dsn)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	run := &models.VerificationRun{
		ID:     uuid.New().String(),
		Start:  "JPN",
		Goal:   "FRA",
		URL:    "http://localhost:3000/game?start=JPN&goal=FRA",
		Status: models.StatusPending,
	}
	if err := db.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	if err := db.SetTemporalIDs(ctx, run.ID, "verify-"+run.ID, "temporal-run"); err != nil {
		t.Fatalf("SetTemporalIDs() error = %v", err)
	}

	got, err := db.GetRun(ctx, run.ID)
	if err != nil || got == nil {
		t.Fatalf("GetRun() = %v, %v", got, err)
	}
	if got.Status != models.StatusRunning || got.TemporalWorkflowID != "verify-"+run.ID {
		t.Errorf("run after SetTemporalIDs = %+v", got)
	}
	if got.CompletedAt != nil {
		t.Error("running run should not be completed")
	}

	result := &models.RunResult{
		RunID:      run.ID,
		Status:     models.StatusSuccess,
		OutputPath: "/tmp/screenshots/JPN-FRA.png",
		Bytes:      1234,
	}
	if err := db.UpdateRunStatus(ctx, run.ID, models.StatusSuccess, result, ""); err != nil {
		t.Fatalf("UpdateRunStatus() error = %v", err)
	}

	got, err = db.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusSuccess || got.CompletedAt == nil {
		t.Errorf("run not completed: %+v", got)
	}
	if got.OutputPath != result.OutputPath {
		t.Errorf("OutputPath = %q, want %q", got.OutputPath, result.OutputPath)
	}
	if got.Result == nil || got.Result.Bytes != 1234 {
		t.Errorf("Result = %+v", got.Result)
	}

	runs, err := db.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	found := false
	for _, r := range runs {
		if r.ID == run.ID {
			found = true
		}
	}
	if !found {
		t.Error("ListRuns() missing the new run")
	}
}

func TestGetRunMissing(t *testing.T) {
	db := openTestDB(t)

	got, err := db.GetRun(context.Background(), uuid.New().String())
	if err != nil || got != nil {
		t.Errorf("GetRun() = %v, %v, want nil, nil", got, err)
	}
}

func TestParseDSNForcesParseTime(t *testing.T) {
	for _, dsn := range []string{
		"verify:secret@tcp(localhost:3306)/render_verify",
		"verify:secret@tcp(localhost:3306)/render_verify?parseTime=false",
	} {
		cfg, err := parseDSN(dsn)
		if err != nil {
			t.Fatalf("parseDSN(%q) error = %v", dsn, err)
		}
		if !cfg.ParseTime {
			t.Errorf("parseDSN(%q) ParseTime = false", dsn)
		}
		if cfg.DBName != "render_verify" || cfg.Addr != "localhost:3306" {
			t.Errorf("parseDSN(%q) = %s@%s", dsn, cfg.DBName, cfg.Addr)
		}
	}

	if _, err := New("not a dsn"); err == nil {
		t.Error("New() with an invalid DSN should fail")
	}
}

func TestSetTemporalIDsKeepsRecordedStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	run := &models.VerificationRun{
		ID:     uuid.New().String(),
		Start:  "JPN",
		Goal:   "FRA",
		URL:    "http://localhost:3000/game?start=JPN&goal=FRA",
		Status: models.StatusPending,
	}
	if err := db.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	// A fast workflow can record its outcome before the API stores its IDs.
	result := &models.RunResult{RunID: run.ID, Status: models.StatusFailed, ErrorMessage: "ready: timeout"}
	if err := db.UpdateRunStatus(ctx, run.ID, models.StatusFailed, result, result.ErrorMessage); err != nil {
		t.Fatalf("UpdateRunStatus() error = %v", err)
	}
	if err := db.SetTemporalIDs(ctx, run.ID, "verify-"+run.ID, "temporal-run"); err != nil {
		t.Fatalf("SetTemporalIDs() error = %v", err)
	}

	got, err := db.GetRun(ctx, run.ID)
	if err != nil || got == nil {
		t.Fatalf("GetRun() = %v, %v", got, err)
	}
	if got.Status != models.StatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got.TemporalWorkflowID != "verify-"+run.ID {
		t.Errorf("TemporalWorkflowID = %q", got.TemporalWorkflowID)
	}
}
