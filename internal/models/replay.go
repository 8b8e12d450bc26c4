package models

import (
	"encoding/json"
	"time"
)

// DateLayout is the wire and storage format for day-granular fields.
const DateLayout = "2006-01-02"

// Selection types recorded on a replay job.
const (
	SelectionIDs     = "IDS"
	SelectionFilters = "FILTERS"
)

// Replay job lifecycle states persisted in Postgres.
const (
	JobRunning   = "RUNNING"
	JobCompleted = "COMPLETED"
	JobPartial   = "PARTIAL"
	JobFailed    = "FAILED"
)

// Replay item lifecycle states persisted in Postgres.
const (
	ItemQueued   = "QUEUED"
	ItemReplayed = "REPLAYED"
	ItemFailed   = "FAILED"
	ItemNotFound = "NOT_FOUND"
)

// ReplayJob is one operator-initiated request to re-emit failed records.
type ReplayJob struct {
	ID             string      `json:"id"`
	EventKey       string      `json:"eventKey"`
	Day            string      `json:"day"`
	SelectionType  string      `json:"selectionType"`
	Filters        *FilterSpec `json:"filters,omitempty"`
	SnapshotAt     *time.Time  `json:"snapshotAt,omitempty"`
	RequestedBy    string      `json:"requestedBy"`
	Reason         string      `json:"reason,omitempty"`
	TotalRequested int         `json:"totalRequested"`
	Status         string      `json:"status"`
	SucceededCount int         `json:"succeededCount"`
	FailedCount    int         `json:"failedCount"`
	QueuedCount    int         `json:"queuedCount"`
	CreatedAt      time.Time   `json:"createdAt"`
	CompletedAt    *time.Time  `json:"completedAt,omitempty"`
}

// ReplayItem is the per-record unit of work within a replay job. Enrichment
// fields are copied from the failure row at selection time.
type ReplayItem struct {
	JobID         string          `json:"replayId"`
	RecordID      int64           `json:"recordId"`
	EventKey      string          `json:"eventKey"`
	Status        string          `json:"status"`
	AttemptCount  int             `json:"attemptCount"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	LastError     *string         `json:"lastError,omitempty"`
	EmittedID     *string         `json:"emittedId,omitempty"`
	TraceID       string          `json:"traceId,omitempty"`
	MessageKey    string          `json:"messageKey,omitempty"`
	AccountNumber string          `json:"accountNumber,omitempty"`
	ExceptionType string          `json:"exceptionType,omitempty"`
	EventDatetime *time.Time      `json:"eventDatetime,omitempty"`
	SourcePayload json.RawMessage `json:"sourcePayload,omitempty"`
}

// Terminal reports whether the item must not be re-sent within its job.
func (i ReplayItem) Terminal() bool {
	return i.Status == ItemReplayed || i.Status == ItemNotFound
}

// Counts tallies item outcomes. NOT_FOUND is counted as failed.
func Counts(items []ReplayItem) (succeeded, failed, queued int) {
	for _, it := range items {
		switch it.Status {
		case ItemReplayed:
			succeeded++
		case ItemFailed, ItemNotFound:
			failed++
		default:
			queued++
		}
	}
	return succeeded, failed, queued
}

// UnrecordedOutcome is the last error given to items still QUEUED when their job finishes.
const UnrecordedOutcome = "replay outcome was not recorded"

// AbandonedOutcome is the last error given to unfinished items of a job that
// stayed RUNNING past the stale threshold.
const AbandonedOutcome = "abandoned: replay job did not finish"

// FinalStatus derives the terminal job status from its item tallies. Items
// still queued at that point never got a recorded outcome and count as failed.
func FinalStatus(succeeded, failed, queued int) string {
	failed += queued
	switch {
	case failed == 0:
		return JobCompleted
	case succeeded == 0:
		return JobFailed
	default:
		return JobPartial
	}
}
