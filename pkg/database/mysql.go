package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"dev/bravebird/render-verify/pkg/models"
)

// Schema creates the run history table.
const Schema = `
CREATE TABLE IF NOT EXISTS verification_runs (
	id                   VARCHAR(64)  NOT NULL PRIMARY KEY,
	temporal_workflow_id VARCHAR(255) NOT NULL DEFAULT '',
	temporal_run_id      VARCHAR(255) NOT NULL DEFAULT '',
	start_code           CHAR(3)      NOT NULL,
	goal_code            CHAR(3)      NOT NULL,
	url                  TEXT         NOT NULL,
	status               VARCHAR(16)  NOT NULL,
	output_path          TEXT         NOT NULL,
	result               JSON         NULL,
	error_message        TEXT         NOT NULL,
	created_at           DATETIME(3)  NOT NULL,
	completed_at         DATETIME(3)  NULL,
	INDEX idx_runs_created (created_at)
)`

// DB represents the database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dsn string) (*DB, error) {
	cfg, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn := sql.OpenDB(connector)

	// Configure connection pool
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// parseDSN parses a go-sql-driver DSN. DATETIME columns are scanned into
// time.Time, so parseTime is always on whatever the DSN says.
func parseDSN(dsn string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	cfg.ParseTime = true
	return cfg, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate creates missing tables
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// ==================== Verification Runs ====================

// CreateRun inserts a new run record
func (db *DB) CreateRun(ctx context.Context, run *models.VerificationRun) error {
	query := `
		INSERT INTO verification_runs (id, temporal_workflow_id, temporal_run_id, start_code, goal_code,
		                               url, status, output_path, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	_, err := db.conn.ExecContext(ctx, query,
		run.ID,
		run.TemporalWorkflowID,
		run.TemporalRunID,
		run.Start,
		run.Goal,
		run.URL,
		run.Status,
		run.OutputPath,
		run.ErrorMessage,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// SetTemporalIDs records the workflow execution backing a run. A pending run
// moves to running; a status the workflow already recorded is kept.
func (db *DB) SetTemporalIDs(ctx context.Context, id, workflowID, runID string) error {
	query := `
		UPDATE verification_runs
		SET temporal_workflow_id = ?, temporal_run_id = ?,
		    status = CASE WHEN status = ? THEN ? ELSE status END
		WHERE id = ?
	`
	_, err := db.conn.ExecContext(ctx, query, workflowID, runID, models.StatusPending, models.StatusRunning, id)
	if err != nil {
		return fmt.Errorf("failed to set workflow IDs: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. It returns nil, nil when no such run exists.
func (db *DB) GetRun(ctx context.Context, id string) (*models.VerificationRun, error) {
	query := `
		SELECT id, temporal_workflow_id, temporal_run_id, start_code, goal_code, url,
		       status, output_path, result, error_message, created_at, completed_at
		FROM verification_runs
		WHERE id = ?
	`

	run, err := scanRun(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves the most recent runs
func (db *DB) ListRuns(ctx context.Context, limit int) ([]models.VerificationRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `
		SELECT id, temporal_workflow_id, temporal_run_id, start_code, goal_code, url,
		       status, output_path, result, error_message, created_at, completed_at
		FROM verification_runs
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []models.VerificationRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

// UpdateRunStatus updates the status of a run. Terminal statuses stamp
// completed_at; result may be nil.
func (db *DB) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, result *models.RunResult, errorMsg string) error {
	query := `
		UPDATE verification_runs
		SET status = ?, error_message = ?,
		    output_path = COALESCE(?, output_path),
		    result = COALESCE(?, result),
		    completed_at = CASE WHEN ? IN ('success', 'failed', 'canceled') THEN NOW(3) ELSE completed_at END
		WHERE id = ?
	`

	var resultJSON, outputPath sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
		if result.OutputPath != "" {
			outputPath = sql.NullString{String: result.OutputPath, Valid: true}
		}
	}

	_, err := db.conn.ExecContext(ctx, query, status, errorMsg, outputPath, resultJSON, status, id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.VerificationRun, error) {
	var run models.VerificationRun
	var resultJSON sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&run.ID,
		&run.TemporalWorkflowID,
		&run.TemporalRunID,
		&run.Start,
		&run.Goal,
		&run.URL,
		&run.Status,
		&run.OutputPath,
		&resultJSON,
		&run.ErrorMessage,
		&run.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if resultJSON.Valid && resultJSON.String != "" {
		run.ResultJSON = resultJSON.String
		var result models.RunResult
		if json.Unmarshal([]byte(resultJSON.String), &result) == nil {
			run.Result = &result
		}
	}
	return &run, nil
}
