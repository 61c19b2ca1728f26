package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

type JobKind string

const (
	JobKindBroadcast  JobKind = "broadcast"
	JobKindBulkImport JobKind = "bulk_import"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

var (
	ErrUnknownKind       = errors.New("unknown job kind")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrCounterOverflow   = errors.New("counters exceed total")
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusScheduled, JobStatusInProgress,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusScheduled, JobStatusInProgress, JobStatusCancelled},
	JobStatusScheduled:  {JobStatusInProgress, JobStatusCancelled},
	JobStatusInProgress: {JobStatusInProgress, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
// in_progress -> in_progress is the re-claim of a job whose previous owner lost its lease.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (k JobKind) Valid() bool {
	switch k {
	case JobKindBroadcast, JobKindBulkImport:
		return true
	default:
		return false
	}
}

// Counters are the per-job delivery tallies. Sent+Failed+Blocked never exceeds Total.
type Counters struct {
	Total   int64 `json:"total"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Blocked int64 `json:"blocked"`
}

func (c Counters) Processed() int64 {
	return c.Sent + c.Failed + c.Blocked
}

func (c Counters) Validate() error {
	if c.Total < 0 || c.Sent < 0 || c.Failed < 0 || c.Blocked < 0 {
		return fmt.Errorf("%w: negative counter", ErrCounterOverflow)
	}
	if c.Processed() > c.Total {
		return fmt.Errorf("%w: processed=%d total=%d", ErrCounterOverflow, c.Processed(), c.Total)
	}
	return nil
}

// NonDecreasing reports whether next only grew relative to c.
func (c Counters) NonDecreasing(next Counters) bool {
	return next.Sent >= c.Sent && next.Failed >= c.Failed && next.Blocked >= c.Blocked
}

// ProgressPercent is sent/total*100 clamped to [0,100]; 0 when total is 0.
func (c Counters) ProgressPercent() float64 {
	if c.Total <= 0 {
		return 0
	}
	percent := float64(c.Sent) / float64(c.Total) * 100
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return math.Round(percent*100) / 100
}

// Job is the durable unit of resumable, rate-limited fan-out work.
type Job struct {
	ID              string
	TenantID        string
	Kind            JobKind
	Payload         json.RawMessage
	Status          JobStatus
	ScheduledAt     *time.Time
	Cursor          int64
	Counters        Counters
	CancelRequested bool
	OwnerToken      string
	LeaseUntil      *time.Time
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Due reports whether a pending or scheduled job may start at now.
func (j *Job) Due(now time.Time) bool {
	if j.ScheduledAt == nil {
		return true
	}
	return !j.ScheduledAt.After(now)
}

// LeaseExpired reports whether nobody currently holds a valid lease on the job.
func (j *Job) LeaseExpired(now time.Time) bool {
	if j.OwnerToken == "" || j.LeaseUntil == nil {
		return true
	}
	return j.LeaseUntil.Before(now)
}

// Runnable reports whether the scheduler may try to claim the job at now.
func (j *Job) Runnable(now time.Time) bool {
	switch j.Status {
	case JobStatusPending, JobStatusScheduled:
		return j.Due(now) && j.LeaseExpired(now)
	case JobStatusInProgress:
		return j.LeaseExpired(now)
	default:
		return false
	}
}

// InitialStatus is the status a freshly submitted job starts in.
func InitialStatus(scheduledAt *time.Time, now time.Time) JobStatus {
	if scheduledAt != nil && scheduledAt.After(now) {
		return JobStatusScheduled
	}
	return JobStatusPending
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Payload = append(json.RawMessage(nil), j.Payload...)
	clone.ScheduledAt = cloneTime(j.ScheduledAt)
	clone.LeaseUntil = cloneTime(j.LeaseUntil)
	clone.StartedAt = cloneTime(j.StartedAt)
	clone.CompletedAt = cloneTime(j.CompletedAt)
	return &clone
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
