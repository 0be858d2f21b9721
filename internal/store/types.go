package store

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle status of a persisted run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusPassed  RunStatus = "passed"
	RunStatusFailed  RunStatus = "failed"
)

// Run is the persisted record of one test run.
type Run struct {
	ID          string          `json:"id"`
	Project     string          `json:"project,omitempty"`
	TestFile    string          `json:"test_file,omitempty"`
	ScenarioID  string          `json:"scenario_id,omitempty"`
	Description string          `json:"description,omitempty"`
	Status      RunStatus       `json:"status"`
	Input       string          `json:"input"`
	Result      json.RawMessage `json:"result,omitempty"`
	Analysis    string          `json:"analysis,omitempty"`
	Error       string          `json:"error,omitempty"`
	ReportPath  string          `json:"report_path,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Event is an immutable entry in a run's event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledJob re-runs a project test file on a cron schedule.
type ScheduledJob struct {
	ID             string     `json:"id"`
	Project        string     `json:"project"`
	TestFile       string     `json:"test_file"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	LastRunID      string     `json:"last_run_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status  *RunStatus `json:"status,omitempty"`
	Project string     `json:"project,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
	Limit   int        `json:"limit,omitempty"`
	Offset  int        `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *RunStatus      `json:"status,omitempty"`
	ScenarioID  string          `json:"scenario_id,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Analysis    string          `json:"analysis,omitempty"`
	Error       string          `json:"error,omitempty"`
	ReportPath  string          `json:"report_path,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for querying events.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	StepID    string     `json:"step_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Project string `json:"project,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
