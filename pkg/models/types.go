package models

import (
	"time"
)

// ==================== Target Types ====================

// Target describes the page under verification and how to capture it
type Target struct {
	BaseURL       string            `json:"base_url" yaml:"base_url"`
	Path          string            `json:"path" yaml:"path"`
	Start         string            `json:"start" yaml:"start"`
	Goal          string            `json:"goal" yaml:"goal"`
	Query         map[string]string `json:"query,omitempty" yaml:"query"` // Extra query parameters
	ReadySelector string            `json:"ready_selector" yaml:"ready_selector"`
	Settle        SettleMode        `json:"settle" yaml:"settle"`
	SettleDelay   time.Duration     `json:"settle_delay" yaml:"settle_delay"`
	StableEvery   time.Duration     `json:"stable_interval,omitempty" yaml:"stable_interval"`
	OutputPath    string            `json:"output_path" yaml:"output_path"`
	FullPage      bool              `json:"full_page" yaml:"full_page"`
}

// SettleMode selects how a run waits for animations after the page is ready
type SettleMode string

const (
	SettleDelay  SettleMode = "delay"  // Unconditional sleep
	SettleStable SettleMode = "stable" // Poll screenshots until unchanged
)

// Pair is a start/goal combination for a sweep
type Pair struct {
	Start string `json:"start"`
	Goal  string `json:"goal"`
}

// ==================== Run Types ====================

// RunStatus represents the status of a verification run
type RunStatus string

const (
	StatusPending  RunStatus = "pending"
	StatusRunning  RunStatus = "running"
	StatusSuccess  RunStatus = "success"
	StatusFailed   RunStatus = "failed"
	StatusCanceled RunStatus = "canceled"
)

// Terminal reports whether no further transitions are expected
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCanceled
}

// Step names one stage of the verification sequence
type Step string

const (
	StepValidate Step = "validate"
	StepLaunch   Step = "launch"
	StepNavigate Step = "navigate"
	StepReady    Step = "ready"
	StepSettle   Step = "settle"
	StepCapture  Step = "capture"
	StepTeardown Step = "teardown"
)

// StepTiming records how long a step took
type StepTiming struct {
	Step     Step  `json:"step"`
	Duration int64 `json:"duration_ms"`
}

// RunResult is the outcome of a single verification run
type RunResult struct {
	RunID         string       `json:"run_id"`
	Status        RunStatus    `json:"status"`
	URL           string       `json:"url"`
	OutputPath    string       `json:"output_path,omitempty"`
	Bytes         int          `json:"bytes,omitempty"`
	BrowserPID    int          `json:"browser_pid,omitempty"`
	FailedStep    Step         `json:"failed_step,omitempty"`
	Steps         []StepTiming `json:"steps,omitempty"`
	TotalDuration int64        `json:"total_duration_ms"`
	ErrorMessage  string       `json:"error_message,omitempty"`
}

// VerificationRun is a stored run record
type VerificationRun struct {
	ID                 string     `json:"id" db:"id"`
	TemporalWorkflowID string     `json:"temporal_workflow_id" db:"temporal_workflow_id"`
	TemporalRunID      string     `json:"temporal_run_id" db:"temporal_run_id"`
	Start              string     `json:"start" db:"start_code"`
	Goal               string     `json:"goal" db:"goal_code"`
	URL                string     `json:"url" db:"url"`
	Status             RunStatus  `json:"status" db:"status"`
	OutputPath         string     `json:"output_path,omitempty" db:"output_path"`
	ResultJSON         string     `json:"-" db:"result"` // JSON string
	ErrorMessage       string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	CompletedAt        *time.Time `json:"completed_at" db:"completed_at"`

	// Computed fields
	Result *RunResult `json:"result,omitempty"`
}

// ==================== Workflow Types ====================

// VerificationInput represents input for the verification workflow
type VerificationInput struct {
	RunID    string `json:"run_id"`
	Target   Target `json:"target"`
	Headless bool   `json:"headless"`
	Timeout  int    `json:"timeout_seconds"`
}

// SweepInput represents input for verifying many pairs in parallel
type SweepInput struct {
	SweepID  string `json:"sweep_id"`
	Target   Target `json:"target"` // Template; Start, Goal and OutputPath are replaced per pair
	Pairs    []Pair `json:"pairs"`
	Headless bool   `json:"headless"`
	Timeout  int    `json:"timeout_seconds"`
}

// SweepResult collects one result per pair, in input order
type SweepResult struct {
	SweepID string      `json:"sweep_id"`
	Results []RunResult `json:"results"`
}

// ==================== API Request/Response Types ====================

// VerifyRequest represents a request to run a verification
type VerifyRequest struct {
	Start         string            `json:"start"`
	Goal          string            `json:"goal"`
	BaseURL       string            `json:"base_url"`
	ReadySelector string            `json:"ready_selector"`
	Settle        SettleMode        `json:"settle"`
	SettleDelayMs int64             `json:"settle_delay_ms"`
	Query         map[string]string `json:"query"`
	FullPage      *bool             `json:"full_page"`
	Headless      *bool             `json:"headless"`
}

// SweepRequest represents a request to verify several pairs
type SweepRequest struct {
	Pairs    []Pair `json:"pairs"`
	Headless *bool  `json:"headless"`
}

// ==================== WebSocket Message Types ====================

// WSMessage represents a WebSocket message for real-time updates
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// RunUpdate is the payload of a run_update message
type RunUpdate struct {
	RunID  string     `json:"run_id"`
	Status RunStatus  `json:"status"`
	Result *RunResult `json:"result,omitempty"`
}
