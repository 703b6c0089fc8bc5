package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Workflow is a persisted workflow definition.
type Workflow struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Definition  schema.Workflow `json:"definition"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Run is the persisted record of one execution of a workflow.
type Run struct {
	ID               string           `json:"id"`
	WorkflowID       string           `json:"workflow_id"`
	Status           schema.RunStatus `json:"status"`
	Inputs           map[string]any   `json:"inputs,omitempty"`
	State            json.RawMessage  `json:"state,omitempty"`
	Variables        json.RawMessage  `json:"variables,omitempty"`
	Error            json.RawMessage  `json:"error,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	CurrentStepIndex int              `json:"current_step_index"`
	DurationMs       int64            `json:"duration_ms"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// StepRecord is one step execution within a run. Execution is the 1-based
// ordinal of the execution within the run.
type StepRecord struct {
	RunID        string            `json:"run_id"`
	Execution    int               `json:"execution"`
	StepID       string            `json:"step_id"`
	StepIndex    int               `json:"step_index"`
	Status       schema.StepStatus `json:"status"`
	Output       json.RawMessage   `json:"output,omitempty"`
	Outcome      json.RawMessage   `json:"outcome,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	DurationMs   int64             `json:"duration_ms"`
}

// Event is an immutable entry in a run's event log.
type Event struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// Schedule is a cron-triggered run of a stored workflow.
type Schedule struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	CronExpression string         `json:"cron_expression"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	LastRunID      string         `json:"last_run_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Name   string `json:"name,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status           *schema.RunStatus `json:"status,omitempty"`
	State            json.RawMessage   `json:"state,omitempty"`
	Variables        json.RawMessage   `json:"variables,omitempty"`
	Error            json.RawMessage   `json:"error,omitempty"`
	ErrorMessage     *string           `json:"error_message,omitempty"`
	CurrentStepIndex *int              `json:"current_step_index,omitempty"`
	DurationMs       *int64            `json:"duration_ms,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	StepID string     `json:"step_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}
