package models

import (
	"encoding/json"
	"time"
)

// JobType discriminates how the scheduler evaluates a job.
type JobType string

const (
	JobPollModule JobType = "poll_module"
	JobDelay      JobType = "delay"
	JobPollURL    JobType = "poll_url"
	JobCron       JobType = "cron"
	JobWebhook    JobType = "webhook"
)

// Valid reports whether the type is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobPollModule, JobDelay, JobPollURL, JobCron, JobWebhook:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is immutable.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CompletionMode selects what happens when a job succeeds.
type CompletionMode string

const (
	CompleteNotify CompletionMode = "notify"
	CompleteResume CompletionMode = "resume_conversation"
)

// PlatformContext records where a job's outcome should surface: the
// originating platform coordinates and, when the job was created from a
// conversation, the conversation id for continuations.
type PlatformContext struct {
	Platform       string `json:"platform"`
	Channel        string `json:"channel"`
	Thread         string `json:"thread,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Job is a durable scheduler record. CheckConfig and LastResult are
// opaque JSON at this layer; the scheduler decodes CheckConfig into a
// typed variant keyed by Type. WorkflowID is an opaque grouping key.
type Job struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	WorkflowID          string          `json:"workflow_id,omitempty"`
	Name                string          `json:"name,omitempty"`
	Description         string          `json:"description,omitempty"`
	Type                JobType         `json:"job_type"`
	CheckConfig         json.RawMessage `json:"check_config"`
	IntervalSeconds     int             `json:"interval_seconds"`
	MaxAttempts         int             `json:"max_attempts,omitempty"`
	MaxRuns             int             `json:"max_runs,omitempty"`
	ExpiresAt           *time.Time      `json:"expires_at,omitempty"`
	Attempts            int             `json:"attempts"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	RunsCompleted       int             `json:"runs_completed"`
	Status              JobStatus       `json:"status"`
	NextRunAt           *time.Time      `json:"next_run_at,omitempty"`
	LastResult          json.RawMessage `json:"last_result,omitempty"`
	OnSuccessMessage    string          `json:"on_success_message,omitempty"`
	OnFailureMessage    string          `json:"on_failure_message,omitempty"`
	OnComplete          CompletionMode  `json:"on_complete"`
	PlatformContext     PlatformContext `json:"platform_context"`
	CreatedAt           time.Time       `json:"created_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// WorkflowStatus is derived from the statuses of a workflow's jobs.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Workflow groups jobs under one user-visible goal. Status is never
// stored independently; it is derived from the member jobs.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	UserID      string         `json:"user_id"`
	Status      WorkflowStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}

// DeriveWorkflowStatus computes the workflow status from member jobs:
// active while any job is active, failed if any failed, completed if
// any completed, otherwise cancelled.
func DeriveWorkflowStatus(jobs []Job) WorkflowStatus {
	anyFailed, anyCompleted := false, false
	for _, j := range jobs {
		switch j.Status {
		case JobActive:
			return WorkflowActive
		case JobFailed:
			anyFailed = true
		case JobCompleted:
			anyCompleted = true
		}
	}
	switch {
	case anyFailed:
		return WorkflowFailed
	case anyCompleted:
		return WorkflowCompleted
	default:
		return WorkflowCancelled
	}
}
