package session

import (
	"time"

	"medscraper/pkg/record"
)

// Status is the lifecycle state of a scraping session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TaskStatus is the state of a single page-fetch task.
type TaskStatus string

const (
	TaskQueued         TaskStatus = "queued"
	TaskInFlight       TaskStatus = "in_flight"
	TaskSucceeded      TaskStatus = "succeeded"
	TaskFailedRetry    TaskStatus = "failed_retryable"
	TaskFailedTerminal TaskStatus = "failed_terminal"
)

// ScrapeRequest is the immutable input for one scraping session.
type ScrapeRequest struct {
	Sites         []string `json:"sites"`
	SearchTerm    string   `json:"search_term"`
	Location      string   `json:"location"`
	MaxPages      int      `json:"max_pages"`
	NotifyAddress string   `json:"notify_address,omitempty"`
}

// PageTask is one unit of work: fetch and parse a single result page.
// A task is owned by exactly one worker at a time.
type PageTask struct {
	SessionID string     `json:"session_id"`
	Site      string     `json:"site"`
	Page      int        `json:"page"` // 1-based
	Attempts  int        `json:"attempts"`
	Status    TaskStatus `json:"status"`
	LastError string     `json:"last_error,omitempty"`
}

// Session is the mutable aggregate root for one scraping request.
// The orchestrator owns it exclusively while running; once terminal it is
// read-only.
type Session struct {
	ID         string        `json:"id"`
	Request    ScrapeRequest `json:"request"`
	Status     Status        `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`

	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`

	Records   []*record.ProviderRecord `json:"records"`
	LastError string                   `json:"last_error,omitempty"`
}

// View is a read-only snapshot of session state and progress, safe to hand
// out while workers are still mutating the session.
type View struct {
	ID             string                   `json:"id"`
	Status         Status                   `json:"status"`
	CreatedAt      time.Time                `json:"created_at"`
	StartedAt      *time.Time               `json:"started_at,omitempty"`
	FinishedAt     *time.Time               `json:"finished_at,omitempty"`
	TotalTasks     int                      `json:"total_tasks"`
	CompletedTasks int                      `json:"completed_tasks"`
	FailedTasks    int                      `json:"failed_tasks"`
	RecordCount    int                      `json:"record_count"`
	Records        []*record.ProviderRecord `json:"records"`
	LastError      string                   `json:"last_error,omitempty"`
}

// Summary describes a finished session for notification purposes.
type Summary struct {
	SessionID   string        `json:"session_id"`
	Status      Status        `json:"status"`
	Sites       []string      `json:"sites"`
	SearchTerm  string        `json:"search_term"`
	Location    string        `json:"location"`
	TotalTasks  int           `json:"total_tasks"`
	Completed   int           `json:"completed_tasks"`
	Failed      int           `json:"failed_tasks"`
	RecordCount int           `json:"record_count"`
	Duration    time.Duration `json:"duration"`
	LastError   string        `json:"last_error,omitempty"`
}
