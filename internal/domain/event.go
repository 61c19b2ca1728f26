package domain

import "time"

const (
	TopicJobsSubmitted = "jobs.submitted"
	TopicAllProgress   = "*.progress"
)

// ProgressTopic is the bus topic carrying progress events for one job kind.
func ProgressTopic(kind JobKind) string {
	return string(kind) + ".progress"
}

// ProgressEvent is a lossy live notification; the job row stays the source of truth.
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	TenantID  string    `json:"tenant_id"`
	Kind      JobKind   `json:"kind"`
	Status    JobStatus `json:"status"`
	Counters  Counters  `json:"counters"`
	Cursor    int64     `json:"cursor"`
	Timestamp time.Time `json:"timestamp"`
}

func NewProgressEvent(job *Job, now time.Time) ProgressEvent {
	return ProgressEvent{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Kind:      job.Kind,
		Status:    job.Status,
		Counters:  job.Counters,
		Cursor:    job.Cursor,
		Timestamp: now.UTC(),
	}
}

// SubmittedEvent wakes schedulers as soon as a job is created.
type SubmittedEvent struct {
	JobID       string     `json:"job_id"`
	TenantID    string     `json:"tenant_id"`
	Kind        JobKind    `json:"kind"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}
