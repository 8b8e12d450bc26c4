package models

import (
	"fmt"
	"strings"
	"time"
)

// JobType names one housekeeping job family.
type JobType string

const (
	JobTypeRetention         JobType = "RETENTION"
	JobTypeReplayAudit       JobType = "REPLAY_AUDIT"
	JobTypeHousekeepingAudit JobType = "HOUSEKEEPING_AUDIT"
)

// JobTypes lists every housekeeping job type in scheduling order.
var JobTypes = []JobType{JobTypeRetention, JobTypeReplayAudit, JobTypeHousekeepingAudit}

// ParseJobType accepts a job type name in any case.
func ParseJobType(s string) (JobType, error) {
	jt := JobType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range JobTypes {
		if jt == known {
			return jt, nil
		}
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

// ScopeAll is the event key recorded for scopes that span every event key.
const ScopeAll = "ALL"

// Trigger types.
const (
	TriggerManual    = "MANUAL"
	TriggerScheduled = "SCHEDULED"
)

// Housekeeping run states.
const (
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
	RunFailed    = "FAILED"
)

// HousekeepingRun is one cleanup attempt for a scope and run date.
type HousekeepingRun struct {
	ID             string                `json:"id"`
	JobType        JobType               `json:"jobType"`
	EventKey       string                `json:"eventKey"`
	TriggerType    string                `json:"triggerType"`
	Status         string                `json:"status"`
	CutoffDate     string                `json:"cutoffDate"`
	RunDate        string                `json:"runDate"`
	Attempt        int                   `json:"attempt"`
	StartedAt      time.Time             `json:"startedAt"`
	CompletedAt    *time.Time            `json:"completedAt,omitempty"`
	DurationMs     *int64                `json:"durationMs,omitempty"`
	DeletedSuccess int64                 `json:"deletedSuccess"`
	DeletedFailure int64                 `json:"deletedFailure"`
	DeletedTotal   int64                 `json:"deletedTotal"`
	ErrorMessage   *string               `json:"errorMessage,omitempty"`
	Items          []HousekeepingRunItem `json:"items,omitempty"`
}

// HousekeepingRunItem is the per-event breakdown of one run.
type HousekeepingRunItem struct {
	RunID          string `json:"runId"`
	EventKey       string `json:"eventKey"`
	DeletedSuccess int64  `json:"deletedSuccess"`
	DeletedFailure int64  `json:"deletedFailure"`
	DeletedTotal   int64  `json:"deletedTotal"`
}

// HousekeepingDaily is the single day record for (job type, event key, run date).
type HousekeepingDaily struct {
	JobType         JobType    `json:"jobType"`
	EventKey        string     `json:"eventKey"`
	RunDate         string     `json:"runDate"`
	CutoffDate      string     `json:"cutoffDate"`
	RetentionDays   int        `json:"retentionDays"`
	EligibleSuccess int64      `json:"eligibleSuccess"`
	EligibleFailure int64      `json:"eligibleFailure"`
	EligibleTotal   int64      `json:"eligibleTotal"`
	SnapshotAt      time.Time  `json:"snapshotAt"`
	LastStatus      *string    `json:"lastStatus,omitempty"`
	LastRunID       *string    `json:"lastRunId,omitempty"`
	LastAttempt     *int       `json:"lastAttempt,omitempty"`
	LastStartedAt   *time.Time `json:"lastStartedAt,omitempty"`
	LastCompletedAt *time.Time `json:"lastCompletedAt,omitempty"`
	LastError       *string    `json:"lastError,omitempty"`
}

// Eligibility is a row count older than a cutoff for one event key.
type Eligibility struct {
	EventKey string `json:"eventKey"`
	Success  int64  `json:"eligibleSuccess"`
	Failure  int64  `json:"eligibleFailure"`
	Total    int64  `json:"eligibleTotal"`
}

// RunSummary aggregates run attempts per (run date, event key).
type RunSummary struct {
	RunDate        string     `json:"runDate"`
	EventKey       string     `json:"eventKey"`
	JobType        JobType    `json:"jobType"`
	Attempts       int        `json:"attempts"`
	LastStatus     string     `json:"lastStatus"`
	DeletedSuccess int64      `json:"deletedSuccess"`
	DeletedFailure int64      `json:"deletedFailure"`
	DeletedTotal   int64      `json:"deletedTotal"`
	FirstStartedAt time.Time  `json:"firstStartedAt"`
	LastCompleted  *time.Time `json:"lastCompletedAt,omitempty"`
}
